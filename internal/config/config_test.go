package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("", nil)
	require.NoError(t, err)

	assert.Equal(t, -75, cfg.RSSIThreshold)
	assert.Equal(t, 20*time.Second, cfg.OutOfRangeTimeout)
	assert.Equal(t, 30*time.Second, cfg.AbsentTimeout)
	assert.Equal(t, 5*time.Second, cfg.SweepInterval)
	assert.Equal(t, 20*time.Second, cfg.ThrottleInterval)
	assert.Equal(t, 5*time.Minute, cfg.RetryInterval)
	assert.Equal(t, 500*time.Millisecond, cfg.RetryDelay)
	assert.Equal(t, 5, cfg.BatchThreshold)
	assert.Equal(t, 100, cfg.QueueCapacity)
	assert.Equal(t, "presence.db", cfg.DBPath)
	assert.Empty(t, cfg.StatusAddr)

	assert.Equal(t, *cfg, *Default())
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("PRESENCE_STUDENT_ID", "stu-42")
	t.Setenv("PRESENCE_RSSI_THRESHOLD", "-70")
	t.Setenv("PRESENCE_ABSENT_TIMEOUT", "45s")
	t.Setenv("PRESENCE_API_BASE_URL", "https://attendance.example.edu")

	cfg, err := Load("", nil)
	require.NoError(t, err)
	assert.Equal(t, "stu-42", cfg.StudentID)
	assert.Equal(t, -70, cfg.RSSIThreshold)
	assert.Equal(t, 45*time.Second, cfg.AbsentTimeout)

	creds := cfg.Credentials()
	assert.Equal(t, "https://attendance.example.edu", creds.BaseURL)
	assert.Equal(t, "stu-42", creds.StudentID)

	ec := cfg.Engine()
	assert.Equal(t, -70, ec.RSSIThreshold)
	assert.Equal(t, "stu-42", ec.StudentID)
	assert.NoError(t, ec.Validate())
}

func TestLoad_YAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "presence.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
student_id: stu-7
db_path: /var/lib/presence/queue.db
throttle_interval: 10s
queue_capacity: 50
`), 0o644))

	cfg, err := Load(path, nil)
	require.NoError(t, err)
	assert.Equal(t, "stu-7", cfg.StudentID)
	assert.Equal(t, "/var/lib/presence/queue.db", cfg.DBPath)
	assert.Equal(t, 10*time.Second, cfg.ThrottleInterval)
	assert.Equal(t, 50, cfg.QueueCapacity)
}

func TestLoad_EnvBeatsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "presence.yaml")
	require.NoError(t, os.WriteFile(path, []byte("student_id: from-file\n"), 0o644))
	t.Setenv("PRESENCE_STUDENT_ID", "from-env")

	cfg, err := Load(path, nil)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.StudentID)
}

func TestLoad_FlagsBeatEnv(t *testing.T) {
	t.Setenv("PRESENCE_STUDENT_ID", "from-env")
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.String("student-id", "", "")
	fs.Int("rssi-threshold", -75, "")
	require.NoError(t, fs.Parse([]string{"--student-id=from-flag"}))

	cfg, err := Load("", fs)
	require.NoError(t, err)
	assert.Equal(t, "from-flag", cfg.StudentID)
	assert.Equal(t, -75, cfg.RSSIThreshold, "unchanged flag keeps the default")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), nil)
	assert.ErrorContains(t, err, "read")
}

func TestLoad_SchemaViolations(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"threshold above zero", map[string]string{"PRESENCE_RSSI_THRESHOLD": "5"}},
		{"threshold below floor", map[string]string{"PRESENCE_RSSI_THRESHOLD": "-200"}},
		{"zero capacity", map[string]string{"PRESENCE_QUEUE_CAPACITY": "0"}},
		{"negative retry delay", map[string]string{"PRESENCE_RETRY_DELAY": "-1s"}},
		{"sweep slower than absent timeout", map[string]string{"PRESENCE_SWEEP_INTERVAL": "1m"}},
		{"base url without scheme", map[string]string{"PRESENCE_API_BASE_URL": "attendance.example.edu"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load("", nil)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "config: invalid")
		})
	}
}
