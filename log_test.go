package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoggerIPFS(t *testing.T) {
	lg := NewLoggerIPFS("root")
	assert.Equal(t, "root", lg.Name())

	child := lg.WithKV("engine", "e1").WithKV("endpoint", "/tmp/geth.ipc")
	assert.Equal(t, []any{"engine", "e1", "endpoint", "/tmp/geth.ipc"}, child.GetAllKV())
	assert.Empty(t, lg.GetAllKV())

	named := child.WithName("journal")
	assert.Equal(t, "root.journal", named.Name())
	assert.Equal(t, child.GetAllKV(), named.GetAllKV())

	named.Info("journal ready", "driver", "sqlite")
	named.AddCallerSkip(1).Debug("hidden at info level")
}
