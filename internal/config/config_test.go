package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
logging:
  level: debug
  console: true
storage:
  driver: sqlite
  path: ./postbot.db
scheduler:
  enabled: true
  timezone: America/Chicago
  posting_times: ["09:00", "15:00"]
  analytics: "23:30"
queue:
  cooldown: 720h
  dedup_retries: 3
graph:
  page_id: "1001"
  page_token: secret
http:
  enabled: true
  addr: 127.0.0.1:8088
`

func TestDecodeYAML(t *testing.T) {
	cfg, err := Decode("postbot.yaml", []byte(sampleYAML))
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, []string{"09:00", "15:00"}, cfg.Scheduler.PostingTimes)
	assert.Equal(t, "1001", cfg.Graph.PageID)
	assert.Equal(t, 3, cfg.Queue.DedupRetries)
	require.NoError(t, Validate(cfg))
}

func TestDecodeRejectsUnknownAndTrailing(t *testing.T) {
	_, err := Decode("c.json", []byte(`{"storage":{"driver":"sqlite"},"plugins":{}}`))
	require.Error(t, err)

	_, err = Decode("c.json", []byte(`{"storage":{"driver":"sqlite"}}{"x":1}`))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := &Config{
		Storage:   StorageConfig{Driver: "postgres"},
		Scheduler: SchedulerConfig{Timezone: "Mars/Base", PostingTimes: []string{"25:00"}},
		Queue:     QueueConfig{Cooldown: "soon"},
		Graph:     GraphConfig{GroupToken: "t"},
		HTTP:      HTTPConfig{Enabled: true, Addr: "0.0.0.0:8088"},
		Session:   SessionConfig{Email: "a@b.c", Password: "pw"},
	}
	err := Validate(cfg)
	require.Error(t, err)
	msg := err.Error()
	for _, want := range []string{"storage.dsn", "scheduler.timezone", "posting_times[0]", "queue.cooldown", "graph.group_id", "http.addr", "session.publish_doc_id"} {
		assert.Contains(t, msg, want)
	}
}

func TestValidateSessionNeedsDocIDOnlyWithCredentials(t *testing.T) {
	require.NoError(t, Validate(&Config{Session: SessionConfig{Account: "main"}}))
	require.NoError(t, Validate(&Config{Session: SessionConfig{Email: "a@b.c", Password: "pw", PublishDocID: "42"}}))
	require.Error(t, Validate(&Config{Session: SessionConfig{Email: "a@b.c", Password: "pw", PublishDocID: "  "}}))
}

func TestParseHHMM(t *testing.T) {
	h, m, err := ParseHHMM(" 07:45 ")
	require.NoError(t, err)
	assert.Equal(t, 7, h)
	assert.Equal(t, 45, m)

	_, _, err = ParseHHMM("7pm")
	assert.Error(t, err)
}

func TestParseDurationOrDefault(t *testing.T) {
	d, err := ParseDurationOrDefault("x", "", 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, d)

	d, err = ParseDurationOrDefault("x", "90s", time.Second)
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, d)

	_, err = ParseDurationField("x", "-1s")
	assert.Error(t, err)
}

func TestSummarizeConfigChangeHidesSecrets(t *testing.T) {
	oldCfg := &Config{Graph: GraphConfig{PageID: "1", PageToken: "old-secret"}}
	newCfg := &Config{
		Graph:   GraphConfig{PageID: "1", PageToken: "new-secret"},
		Session: SessionConfig{Account: "main", Password: "pw"},
	}
	changed, attrs := SummarizeConfigChange(oldCfg, newCfg)
	assert.Equal(t, []string{"graph", "session"}, changed)
	assert.NotEmpty(t, attrs)
}

func TestManagerLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "postbot.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o600))

	m := NewManager(path)
	cfg, err := m.Load()
	require.NoError(t, err)
	assert.Same(t, cfg, m.Get())

	ch := m.Subscribe(1)
	m.publish(cfg)
	select {
	case got := <-ch:
		assert.Same(t, cfg, got)
	default:
		t.Fatal("expected published config")
	}
	m.Unsubscribe(ch)
	_, open := <-ch
	assert.False(t, open)
}
