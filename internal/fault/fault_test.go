package fault

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf_ThroughWrapping(t *testing.T) {
	base := Persistence("read timeline", "timeline_entries", errors.New("disk I/O error"))
	wrapped := fmt.Errorf("open timeline: %w", base)

	assert.Equal(t, KindPersistence, KindOf(wrapped))
	assert.True(t, IsPersistence(wrapped))
	assert.False(t, IsExternal(wrapped))
}

func TestKindOf_Unclassified(t *testing.T) {
	assert.Equal(t, KindUnknown, KindOf(errors.New("boom")))
	assert.False(t, Is(nil, KindUnknown))
}

func TestPersistence_NilIsNil(t *testing.T) {
	assert.NoError(t, Persistence("op", "coll", nil))
	assert.NoError(t, External("op", "host", nil))
	assert.NoError(t, ProtocolWrap("op", nil))
}

func TestPersistence_KeepsExistingKind(t *testing.T) {
	inner := Protocol("decode relay item", "unknown version %d", 9)
	err := Persistence("read relay item", "relay_items", inner)
	assert.True(t, IsProtocol(err))
}

func TestError_Format(t *testing.T) {
	err := PersistenceAt("insert task", Locus{Host: "db1", DB: "aafs", Collection: "pending_tasks"}, errors.New("locked"))
	assert.Equal(t, "persistence: insert task (db1/aafs/pending_tasks): locked", err.Error())

	var fe *Error
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, "insert task (db1/aafs/pending_tasks): locked", fe.Detail())
}

func TestDetail_PlainError(t *testing.T) {
	assert.Equal(t, "plain", Detail(errors.New("plain")))
	assert.Equal(t, "", Detail(nil))
}

func TestStale(t *testing.T) {
	err := Stale("analyst intervene", "relay time %d superseded by %d", 10, 20)
	assert.True(t, IsStale(err))
	assert.Equal(t, "stale_command", KindOf(err).String())
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := External("fetch event", "earthquake.usgs.gov", cause)
	assert.ErrorIs(t, err, cause)
}
