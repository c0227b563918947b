package log_test

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/layer-3/tollgate/pkg/log"
)

// TestZapLogger exercises the zap-backed Logger: leveled output, naming
// hierarchy, persistent key-value pairs, and caller-skip adjustment for
// wrapper functions.
func TestZapLogger(t *testing.T) {
	cfg := log.Config{
		Format: "json",
		Level:  log.LevelDebug,
	}
	tws := &testWriteSyncer{}
	logger := log.NewZapLogger(cfg, tws)

	testName := "testLogger"
	logger = logger.WithName(testName)

	keysAndValues := []any{"key1", "value1", "key2", "value2"}
	testMessage := "test message"
	callerFile := "log/zap_test.go"

	logger.Debug(testMessage, keysAndValues...)
	tws.AssertEntry(t, log.LevelDebug, testName, testMessage, callerFile, keysAndValues...)

	logger.Info(testMessage, keysAndValues...)
	tws.AssertEntry(t, log.LevelInfo, testName, testMessage, callerFile, keysAndValues...)

	logger.Warn(testMessage, keysAndValues...)
	tws.AssertEntry(t, log.LevelWarn, testName, testMessage, callerFile, keysAndValues...)

	logger.Error(testMessage, keysAndValues...)
	tws.AssertEntry(t, log.LevelError, testName, testMessage, callerFile, keysAndValues...)

	// Naming is hierarchical; zap joins segments with dots.
	testSubsystem := "testSubsystem"
	nestedName := fmt.Sprintf("%s.%s", testName, testSubsystem)
	logger = logger.WithName(testSubsystem)
	assert.Equal(t, nestedName, logger.Name())

	// Pairs added via WithKV ride along on every future record.
	newK, newV := "newKey", "newValue"
	logger = logger.WithKV(newK, newV)
	assert.Equal(t, []any{newK, newV}, logger.GetAllKV())
	allKeysAndValues := append([]any{newK, newV}, keysAndValues...)

	logger.Info(testMessage, keysAndValues...)
	tws.AssertEntry(t, log.LevelInfo, nestedName, testMessage, callerFile, allKeysAndValues...)

	logger.Error(testMessage, keysAndValues...)
	tws.AssertEntry(t, log.LevelError, nestedName, testMessage, callerFile, allKeysAndValues...)

	// A wrapper bumps the skip so the reported caller stays in this file.
	wrappedInfo := func(msg string, keysAndValues ...any) {
		logger.AddCallerSkip(1).Info(msg, keysAndValues...)
	}

	wrappedInfo(testMessage, keysAndValues...)
	tws.AssertEntry(t, log.LevelInfo, nestedName, testMessage, callerFile, allKeysAndValues...)
}

// TestZapLoggerLevelFiltering verifies records below the configured level
// are dropped.
func TestZapLoggerLevelFiltering(t *testing.T) {
	tws := &testWriteSyncer{}
	logger := log.NewZapLogger(log.Config{Format: "json", Level: log.LevelWarn}, tws)

	logger.Debug("dropped")
	assert.Empty(t, tws.lastEntry)

	logger.Info("dropped")
	assert.Empty(t, tws.lastEntry)

	logger.Warn("kept")
	assert.NotEmpty(t, tws.lastEntry)
}

// TestZapLoggerSiblingKV verifies WithKV children do not leak pairs into
// their siblings.
func TestZapLoggerSiblingKV(t *testing.T) {
	tws := &testWriteSyncer{}
	logger := log.NewZapLogger(log.Config{Format: "json", Level: log.LevelDebug}, tws)

	parent := logger.WithKV("shared", "yes")
	childA := parent.WithKV("a", "1")
	childB := parent.WithKV("b", "2")

	assert.Equal(t, []any{"shared", "yes", "a", "1"}, childA.GetAllKV())
	assert.Equal(t, []any{"shared", "yes", "b", "2"}, childB.GetAllKV())
	assert.Equal(t, []any{"shared", "yes"}, parent.GetAllKV())
}

// testWriteSyncer is a zapcore.WriteSyncer capturing the last entry written.
type testWriteSyncer struct {
	lastEntry []byte
}

func (tws *testWriteSyncer) Write(p []byte) (n int, err error) {
	tws.lastEntry = p
	return len(p), nil
}

func (tws *testWriteSyncer) Sync() error {
	return nil
}

// AssertEntry checks the last entry's level, logger name, message, caller
// file, and key-value pairs.
func (tws *testWriteSyncer) AssertEntry(t *testing.T, level log.Level, name, message, callerFile string, keysAndValues ...any) {
	t.Helper()

	entryMap := make(map[string]any)
	require.NoError(t, json.Unmarshal(tws.lastEntry, &entryMap), "failed to unmarshal log entry: %s", string(tws.lastEntry))

	assert.Contains(t, entryMap, "ts")
	assert.Equal(t, name, entryMap["logger"])
	assert.Equal(t, string(level), entryMap["level"])
	assert.Equal(t, message, entryMap["msg"])

	caller, _ := entryMap["caller"].(string)
	assert.True(t, strings.HasPrefix(caller, callerFile+":"), "unexpected caller %q", caller)

	for i := 0; i < len(keysAndValues); i += 2 {
		key := keysAndValues[i]
		value := keysAndValues[i+1]
		assert.Equal(t, value, entryMap[key.(string)])
	}

	// ts, level, logger, caller and msg are the only extra fields.
	assert.Equal(t, len(keysAndValues)/2, len(entryMap)-5)
}
