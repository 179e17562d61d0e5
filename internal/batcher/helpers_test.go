package batcher

import "github.com/aaronsb/livetranscripts/pkg/logger"

func testLogger() *logger.Logger {
	return logger.NewNop()
}
