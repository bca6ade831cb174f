/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package cmn

import (
	"crypto/tls"
	"net"
	"net/http"
	"time"
)

// TransportArgs configures the outbound HTTP transport used for upstream
// fetches (adapters) and backend-provider calls (the object store). Mirrors
// the teacher's cmn.TransportArgs shape.
type TransportArgs struct {
	Timeout          time.Duration
	DialTimeout      time.Duration
	IdleConnTimeout  time.Duration
	MaxIdleConns     int
	MaxIdlePerHost   int
	WriteBufferSize  int
	ReadBufferSize   int
	SkipVerify       bool
}

// NewTransport builds an *http.Transport tuned for the pull-through proxy's
// upstream fan-out: many short-lived connections to a handful of registries,
// kept idle-warm between requests.
func NewTransport(args TransportArgs) *http.Transport {
	dialTimeout := args.DialTimeout
	if dialTimeout == 0 {
		dialTimeout = 10 * time.Second
	}
	idleTimeout := args.IdleConnTimeout
	if idleTimeout == 0 {
		idleTimeout = 90 * time.Second
	}
	maxIdle := args.MaxIdleConns
	if maxIdle == 0 {
		maxIdle = 100
	}
	maxIdlePerHost := args.MaxIdlePerHost
	if maxIdlePerHost == 0 {
		maxIdlePerHost = 16
	}
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   dialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        maxIdle,
		MaxIdleConnsPerHost: maxIdlePerHost,
		IdleConnTimeout:     idleTimeout,
		WriteBufferSize:     args.WriteBufferSize,
		ReadBufferSize:      args.ReadBufferSize,
		TLSClientConfig:     &tls.Config{InsecureSkipVerify: args.SkipVerify}, //nolint:gosec // operator opt-in only
	}
}

// NewClient builds an *http.Client over NewTransport, with Timeout as the
// caller's overall per-request deadline (separate from DialTimeout).
func NewClient(args TransportArgs) *http.Client {
	return &http.Client{
		Transport: NewTransport(args),
		Timeout:   args.Timeout,
	}
}
