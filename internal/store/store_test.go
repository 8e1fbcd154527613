package store

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mqtt-orion-gateway/internal/logger"
)

// fakeRows implements pgx.Rows over an in-memory result set of string
// columns, which is all the catalog queries ever return.
type fakeRows struct {
	rows    [][]string
	idx     int
	scanErr error
	iterErr error
}

func (f *fakeRows) Next() bool {
	if f.idx < len(f.rows) {
		f.idx++
		return true
	}
	return false
}

func (f *fakeRows) Scan(dest ...any) error {
	if f.scanErr != nil {
		return f.scanErr
	}
	row := f.rows[f.idx-1]
	if len(dest) != len(row) {
		return fmt.Errorf("expected %d destinations, got %d", len(row), len(dest))
	}
	for i, d := range dest {
		ptr, ok := d.(*string)
		if !ok {
			return fmt.Errorf("unexpected destination type %T", d)
		}
		*ptr = row[i]
	}
	return nil
}

func (f *fakeRows) Err() error                                   { return f.iterErr }
func (f *fakeRows) Close()                                       {}
func (f *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (f *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (f *fakeRows) Values() ([]any, error)                       { return nil, nil }
func (f *fakeRows) RawValues() [][]byte                          { return nil }
func (f *fakeRows) Conn() *pgx.Conn                              { return nil }

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	zapLogger, err := zap.NewDevelopment()
	require.NoError(t, err)
	return &Store{logger: &logger.Logger{Logger: zapLogger}}
}

func TestScanRules(t *testing.T) {
	tests := []struct {
		name    string
		rows    *fakeRows
		wantErr bool
		wantIDs []string
	}{
		{
			name: "valid rows",
			rows: &fakeRows{rows: [][]string{
				{"d1", "$..temp", "Room:1", "Room", "temperature"},
				{"d2", "$.hum", "Room:1", "Room", "humidity"},
			}},
			wantIDs: []string{"d1", "d2"},
		},
		{
			name: "invalid row skipped",
			rows: &fakeRows{rows: [][]string{
				{"d1", "$..temp", "Room:1", "Room", "temperature"},
				{"d2", "$.hum", "Room:1", "", "humidity"}, // no entity type
			}},
			wantIDs: []string{"d1"},
		},
		{
			name: "malformed jsonpath skipped",
			rows: &fakeRows{rows: [][]string{
				{"d1", "$[", "Room:1", "Room", "temperature"},
				{"d2", "$.hum", "Room:1", "Room", "humidity"},
			}},
			wantIDs: []string{"d2"},
		},
		{
			name:    "scan failure",
			rows:    &fakeRows{rows: [][]string{{"d1", "$..temp", "Room:1", "Room", "temperature"}}, scanErr: errors.New("boom")},
			wantErr: true,
		},
		{
			name:    "iteration failure",
			rows:    &fakeRows{iterErr: errors.New("connection reset")},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := setupTestStore(t)

			rules, err := s.scanRules(tt.rows, "room/1")
			if tt.wantErr {
				assert.Error(t, err)
				return
			}

			require.NoError(t, err)
			ids := make([]string, 0, len(rules))
			for _, r := range rules {
				ids = append(ids, r.ObjectID)
				assert.Equal(t, "room/1", r.Topic)
			}
			assert.Equal(t, tt.wantIDs, ids)
		})
	}
}

func TestScanTopics(t *testing.T) {
	rows := &fakeRows{rows: [][]string{{"room/1"}, {"room/2"}}}

	topics, err := scanTopics(rows)
	require.NoError(t, err)
	assert.Equal(t, []string{"room/1", "room/2"}, topics)
}

func TestScanTopicsEmpty(t *testing.T) {
	topics, err := scanTopics(&fakeRows{})
	require.NoError(t, err)
	assert.Empty(t, topics)
}

func TestNextBackoff(t *testing.T) {
	ceiling := 5 * time.Second

	for attempt := 0; attempt < 20; attempt++ {
		d := NextBackoff(attempt, ceiling)
		assert.Greater(t, d, time.Duration(0), "attempt %d", attempt)
		assert.LessOrEqual(t, d, ceiling, "attempt %d", attempt)
	}

	// The first attempt stays near one second even with jitter.
	first := NextBackoff(0, ceiling)
	assert.GreaterOrEqual(t, first, 750*time.Millisecond)
	assert.LessOrEqual(t, first, 1250*time.Millisecond)
}

func TestNextBackoffDefaultCeiling(t *testing.T) {
	d := NextBackoff(10, 0)
	assert.LessOrEqual(t, d, 5*time.Second)
}
