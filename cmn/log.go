/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package cmn

import (
	"go.uber.org/zap"
)

// Logger is the process-wide structured logger. The teacher logs through an
// internal glog shim; this repo adopts zap (a direct dependency of the
// wider example pack's storj-storj repo) since glog is vendored source, not
// a fetchable module.
var Logger *zap.SugaredLogger

func init() {
	l, err := zap.NewProduction()
	if err != nil {
		l = zap.NewNop()
	}
	Logger = l.Sugar()
}

// InitLogger swaps the global logger, e.g. for a development-mode config
// with human-readable output, or a nop logger in unit tests.
func InitLogger(l *zap.Logger) {
	Logger = l.Sugar()
}
