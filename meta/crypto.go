/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package meta

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"io"

	jsoniter "github.com/json-iterator/go"

	"github.com/amargo-project/amargo/cmn"
)

// credentialCipher seals/opens Repository.Credentials at rest with
// AES-256-GCM. No library in the teacher or the wider example pack does
// field-level at-rest encryption; crypto/aes is the stdlib boundary
// documented in SPEC_FULL.md §9 Open Question 5 and DESIGN.md.
type credentialCipher struct {
	gcm cipher.AEAD
}

func newCredentialCipher(key []byte) (*credentialCipher, error) {
	if len(key) == 0 {
		return nil, nil // encryption disabled: dev/test deployments only
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, cmn.WrapInternal("init credential cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, cmn.WrapInternal("init credential gcm", err)
	}
	return &credentialCipher{gcm: gcm}, nil
}

func (c *credentialCipher) seal(creds *Credentials) ([]byte, error) {
	if creds == nil {
		return nil, nil
	}
	plain, err := jsoniter.Marshal(creds)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return plain, nil // encryption disabled
	}
	nonce := make([]byte, c.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return c.gcm.Seal(nonce, nonce, plain, nil), nil
}

func (c *credentialCipher) open(sealed []byte) (*Credentials, error) {
	if len(sealed) == 0 {
		return nil, nil
	}
	var plain []byte
	if c == nil {
		plain = sealed
	} else {
		ns := c.gcm.NonceSize()
		if len(sealed) < ns {
			return nil, cmn.WrapInternal("decrypt credentials", io.ErrUnexpectedEOF)
		}
		nonce, ct := sealed[:ns], sealed[ns:]
		var err error
		plain, err = c.gcm.Open(nil, nonce, ct, nil)
		if err != nil {
			return nil, cmn.WrapInternal("decrypt credentials", err)
		}
	}
	var creds Credentials
	if err := jsoniter.Unmarshal(plain, &creds); err != nil {
		return nil, err
	}
	return &creds, nil
}
