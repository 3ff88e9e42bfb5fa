package logger_test

import (
	"bytes"
	"os"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/solpipe/delivery/logger"
	"github.com/stretchr/testify/require"
)

func TestSetupJson(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")
	buf := new(bytes.Buffer)
	require.NoError(t, logger.Setup(false, "warn", "json", buf))
	defer logger.Setup(false, "info", "text", os.Stderr)

	log.Info("hidden")
	log.WithField("job", "J1").Warn("shown")
	require.NotContains(t, buf.String(), "hidden")
	require.Contains(t, buf.String(), `"job":"J1"`)
}

func TestSetupVerboseAndErrors(t *testing.T) {
	defer logger.Setup(false, "info", "text", os.Stderr)
	t.Setenv("LOG_LEVEL", "error")
	require.NoError(t, logger.Setup(true, "", "", nil))
	require.Equal(t, log.DebugLevel, log.GetLevel())
	require.NoError(t, logger.Setup(false, "info", "", nil))
	require.Equal(t, log.ErrorLevel, log.GetLevel())
	require.NoError(t, logger.Setup(false, "loud", "", nil))
	require.Equal(t, log.ErrorLevel, log.GetLevel())

	t.Setenv("LOG_LEVEL", "")
	require.Error(t, logger.Setup(false, "loud", "", nil))
	require.Error(t, logger.Setup(false, "info", "xml", nil))

	t.Setenv("LOG_LEVEL", "loud")
	require.Error(t, logger.Setup(false, "info", "", nil))
}
