// Package cmn provides common low-level types and utilities shared by the
// cache engine, the metadata store and the protocol adapters.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package cmn

import (
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/teris-io/shortid"
)

const (
	// Alphabet for generating ids similar to shortid.DEFAULT_ABC.
	// NOTE: len(uuidABC) > 0x3f - see GenTie()
	uuidABC = "-5nZJDft6LuzsjGNpPwY7rQa39vehq4i1cV2FROo8yHSlC0BUEdWbIxMmTgKXAk_"
)

var (
	sid  *shortid.Shortid
	rtie int32
)

// The generator is seeded from the clock at package load, so GenUUID works
// before (or without) an explicit InitShortID call.
func init() {
	InitShortID(uint64(time.Now().UnixNano()))
}

// InitShortID re-seeds the id generator. Call once at process startup.
func InitShortID(seed uint64) {
	sid = shortid.MustNew(4 /*worker*/, uuidABC, seed)
}

// GenUUID generates a short, human-readable, collision-resistant id used
// for Repository and Group primary keys.
func GenUUID() (uuid string) {
	var h, t string
	uuid = sid.MustGenerate()
	if !isAlpha(uuid[0]) {
		h = string(rune('A' + rand.Int()%26))
	}
	c := uuid[len(uuid)-1]
	if c == '-' || c == '_' {
		t = string(rune('a' + rand.Int()%26))
	}
	return h + uuid + t
}

func isAlpha(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

// GenTie returns a short tie-breaker token, used where two otherwise
// identical names need a distinguishing suffix (e.g. the FS backend's
// temporary work files).
func GenTie() string {
	tie := atomic.AddInt32(&rtie, 1)
	b0 := uuidABC[tie&0x3f]
	b1 := uuidABC[-tie&0x3f]
	b2 := uuidABC[(tie>>2)&0x3f]
	return string([]byte{b0, b1, b2})
}
