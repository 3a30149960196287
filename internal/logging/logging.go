package logging

import (
	"io/ioutil"
	"log"
	"os"
)

var logger *log.Logger

func init() {
	logger = log.New(os.Stderr, "vsync: ", log.Lshortfile|log.Ltime|log.Lmicroseconds)
	if os.Getenv("VSYNC_LOG") != "1" {
		logger.SetOutput(ioutil.Discard)
	}
}

// GetLogger returns a pointer to the global logger shared by the engine,
// the ordering layers and the node.
func GetLogger() *log.Logger {
	return logger
}
