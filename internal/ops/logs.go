// Package ops wires up the process-wide logging facade, grounded on the
// teacher's mbp.InitLog(cmd.Log) / log.WithFields(...) idiom (used
// throughout cmd/flow-ingester/main.go, cmd/flow-consumer/main.go), built
// directly on logrus rather than the teacher's gazette-specific
// mainboilerplate helper (dropped along with the rest of that stack, see
// DESIGN.md).
package ops

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"

	"github.com/francoriba/shelter-server-HPC/internal/config"
)

// logLineTimestamp is spec.md §6's literal log-file line format:
// "[YYYY-MM-DD HH:MM:SS] <message>".
const logLineTimestamp = "2006-01-02 15:04:05"

// logFileFormatter renders exactly "[<ts>] <message>" per log-file line,
// dropping logrus's structured fields from the on-disk text (callers that
// want a field in the line put it in the message itself, matching the
// original's single free-text log line).
type logFileFormatter struct{}

func (logFileFormatter) Format(e *log.Entry) ([]byte, error) {
	line := fmt.Sprintf("[%s] %s\n", e.Time.Format(logLineTimestamp), e.Message)
	return []byte(line), nil
}

// InitLog configures logrus's level and output per cfg, opening (creating
// if needed) the log file under paths.LogDir/paths.LogFile and
// duplicating every entry to stdout and the file, both formatted with the
// spec's literal timestamped line. Returns the opened file so the caller
// can close it on shutdown.
func InitLog(cfg config.LogConfig, paths config.PathsConfig) (*os.File, error) {
	level, err := log.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("ops: parsing log level %q: %w", cfg.Level, err)
	}
	log.SetLevel(level)

	if err := os.MkdirAll(paths.LogDir, 0o755); err != nil {
		return nil, fmt.Errorf("ops: creating log directory %s: %w", paths.LogDir, err)
	}

	logPath := filepath.Join(paths.LogDir, paths.LogFile)
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("ops: opening log file %s: %w", logPath, err)
	}

	log.SetFormatter(logFileFormatter{})
	log.SetOutput(io.MultiWriter(os.Stdout, f))

	return f, nil
}

// EnsureDirs implements the original's Utils::createDirectoriesIfNotExists:
// bootstrap every directory the server depends on existing, rather than
// failing startup when one is absent (spec.md §5 supplemented feature).
func EnsureDirs(paths config.PathsConfig) error {
	dirs := []string{paths.InputImageDir, paths.ArchiveDir, paths.WorkingImageDir, paths.LogDir}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("ops: creating directory %s: %w", d, err)
		}
	}
	return nil
}
