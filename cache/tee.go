/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package cache

import (
	"io"
)

// tee duplicates src into two independent readers and takes ownership of
// closing src once fully consumed. Each reader is backed by its own
// io.Pipe, which is unbuffered and therefore synchronous: the producer
// goroutine blocks on whichever sink is behind, which is exactly the
// backpressure spec §5 asks for ("the slower sink slows the faster one").
// Grounded on the pull-through-proxy reference's tee-to-store step,
// expressed here as a pair of io.Pipes instead of a single writer plus
// os.File, since the cache engine's second sink is an in-process reader,
// not a seekable file.
func tee(src io.ReadCloser) (caller io.ReadCloser, store io.ReadCloser) {
	callerR, callerW := io.Pipe()
	storeR, storeW := io.Pipe()

	go func() {
		defer src.Close()
		buf := make([]byte, 32*1024)
		storeDead := false
		var readErr error
		for {
			n, err := src.Read(buf)
			if n > 0 {
				// Caller gone: writes to a closed pipe just fail silently from
				// here on; the store sink must still see every byte.
				_ = writeFully(callerW, buf[:n])
				if !storeDead {
					if werr := writeFully(storeW, buf[:n]); werr != nil {
						storeW.CloseWithError(werr)
						storeDead = true
					}
				}
			}
			if err != nil {
				readErr = err
				break
			}
		}
		callerW.CloseWithError(ignoreEOF(readErr))
		if !storeDead {
			storeW.CloseWithError(ignoreEOF(readErr))
		}
	}()

	return callerR, storeR
}

func writeFully(w io.Writer, p []byte) error {
	_, err := w.Write(p)
	return err
}

func ignoreEOF(err error) error {
	if err == io.EOF {
		return nil
	}
	return err
}
