package chatsync

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

type stubFetcher struct {
	mu    sync.Mutex
	snaps map[string]*ConversationSnapshot
	calls int
	// hook runs after the snapshot is looked up, before it is returned,
	// to simulate slow fetches racing other operations.
	hook func(id string)
	err  error
}

func newStubFetcher() *stubFetcher {
	return &stubFetcher{snaps: map[string]*ConversationSnapshot{}}
}

func (f *stubFetcher) GetConversation(_ context.Context, id string) (*ConversationSnapshot, error) {
	f.mu.Lock()
	f.calls++
	snap := f.snaps[id]
	hook := f.hook
	err := f.err
	f.mu.Unlock()
	if hook != nil {
		hook(id)
	}
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return &ConversationSnapshot{ID: id}, nil
	}
	return snap, nil
}

func (f *stubFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestLoader(t *testing.T, fetcher ConversationFetcher) (*ConversationLoader, *ChatSessionStore, *DatasetLifecycleStore) {
	t.Helper()
	n := NewNotifier()
	t.Cleanup(n.Close)
	session := NewChatSessionStore(n)
	datasets := NewDatasetLifecycleStore()
	loader, err := NewConversationLoader(fetcher, session, datasets, n)
	require.NoError(t, err)
	return loader, session, datasets
}

func TestLoader_SwitchPopulatesMessagesAndDatasets(t *testing.T) {
	fetcher := newStubFetcher()
	fetcher.snaps["c1"] = &ConversationSnapshot{
		ID: "c1",
		Messages: []SnapshotMessage{
			{ID: "m1", Role: RoleUser, Content: "show revenue"},
			{ID: "m2", Role: RoleAssistant, Content: "here", SQLRecord: json.RawMessage(`[{"query":"SELECT 1","columns":["a"],"rows":[[1]]}]`)},
		},
		Datasets: []Dataset{{ID: "ds1", Status: DatasetReady}},
	}
	loader, session, datasets := newTestLoader(t, fetcher)

	require.NoError(t, loader.Switch(context.Background(), "c1"))

	msgs := session.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "show revenue", msgs[0].Content)
	require.Len(t, msgs[1].Executions, 1)
	require.Equal(t, "SELECT 1", msgs[1].Executions[0].Query)
	require.Len(t, datasets.ByConversation("c1"), 1)
}

func TestLoader_StaleFetchDoesNotLeakIntoNewConversation(t *testing.T) {
	fetcher := newStubFetcher()
	fetcher.snaps["c1"] = &ConversationSnapshot{
		ID:       "c1",
		Messages: []SnapshotMessage{{ID: "m1", Content: "old"}},
	}
	loader, session, _ := newTestLoader(t, fetcher)

	// the fetch for c1 resolves after the user already switched to c2
	fetcher.hook = func(id string) {
		if id == "c1" {
			fetcher.hook = nil
			require.NoError(t, loader.Switch(context.Background(), "c2"))
		}
	}
	require.NoError(t, loader.Switch(context.Background(), "c1"))

	require.Equal(t, "c2", loader.ActiveID())
	require.Equal(t, "c2", session.ConversationID())
	require.Empty(t, session.Messages())
}

func TestLoader_InFlightStreamWinsOverSnapshot(t *testing.T) {
	fetcher := newStubFetcher()
	fetcher.snaps["c1"] = &ConversationSnapshot{
		ID:       "c1",
		Messages: []SnapshotMessage{{ID: "m1", Content: "from rest"}},
	}
	loader, session, _ := newTestLoader(t, fetcher)

	// tokens start streaming while the fetch is in flight
	fetcher.hook = func(string) {
		session.AppendToken("m2", "live")
	}
	require.NoError(t, loader.Switch(context.Background(), "c1"))

	msgs := session.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "m2", msgs[0].ID)
	require.Equal(t, "live", msgs[0].Content)
}

func TestLoader_RefetchReplacesWhenIdle(t *testing.T) {
	fetcher := newStubFetcher()
	fetcher.snaps["c1"] = &ConversationSnapshot{
		ID:       "c1",
		Messages: []SnapshotMessage{{ID: "m1", Content: "v1"}},
	}
	loader, session, _ := newTestLoader(t, fetcher)
	require.NoError(t, loader.Switch(context.Background(), "c1"))

	fetcher.mu.Lock()
	fetcher.snaps["c1"] = &ConversationSnapshot{
		ID:       "c1",
		Messages: []SnapshotMessage{{ID: "m1", Content: "v1"}, {ID: "m2", Content: "v2"}},
	}
	fetcher.mu.Unlock()

	require.NoError(t, loader.Refetch(context.Background()))
	require.Len(t, session.Messages(), 2)
}

func TestLoader_RefetchWithoutActiveConversationIsNoop(t *testing.T) {
	fetcher := newStubFetcher()
	loader, _, _ := newTestLoader(t, fetcher)
	require.NoError(t, loader.Refetch(context.Background()))
	require.Zero(t, fetcher.callCount())
}

func TestLoader_FetchErrorSurfacesNotice(t *testing.T) {
	fetcher := newStubFetcher()
	fetcher.err = errors.New("boom")
	n := NewNotifier()
	t.Cleanup(n.Close)
	session := NewChatSessionStore(n)
	datasets := NewDatasetLifecycleStore()
	loader, err := NewConversationLoader(fetcher, session, datasets, n)
	require.NoError(t, err)

	require.Error(t, loader.Switch(context.Background(), "c1"))
	require.Len(t, n.Notices(), 1)
}

func TestLoader_DatasetMergeIsScopedToConversation(t *testing.T) {
	fetcher := newStubFetcher()
	fetcher.snaps["c1"] = &ConversationSnapshot{
		ID:       "c1",
		Datasets: []Dataset{{ID: "ds1", Status: DatasetReady}},
	}
	loader, _, datasets := newTestLoader(t, fetcher)
	datasets.Add(Dataset{ID: "other", ConversationID: "c2", Status: DatasetLoading})

	require.NoError(t, loader.Switch(context.Background(), "c1"))

	require.Len(t, datasets.ByConversation("c1"), 1)
	require.Len(t, datasets.ByConversation("c2"), 1)
}

func TestParseExecutions_LegacyDelimited(t *testing.T) {
	execs := ParseExecutions("SELECT 1; SELECT 2")
	require.Len(t, execs, 2)
	for i, want := range []string{"SELECT 1", "SELECT 2"} {
		require.Equal(t, want, execs[i].Query)
		require.Nil(t, execs[i].Columns)
		require.Nil(t, execs[i].Rows)
		require.Empty(t, execs[i].Error)
	}
}

func TestParseExecutions_StructuredArray(t *testing.T) {
	raw := `[{"query":"SELECT 1","columns":["n"],"rows":[[1]],"total_rows":1},{"query":"SELECT 2"}]`
	execs := ParseExecutions(raw)
	require.Len(t, execs, 2)
	require.Equal(t, "SELECT 1", execs[0].Query)
	require.Equal(t, []string{"n"}, execs[0].Columns)
	require.Equal(t, "SELECT 2", execs[1].Query)
}

func TestParseExecutions_EquivalentQueriesAcrossFormats(t *testing.T) {
	legacy := ParseExecutions("SELECT a FROM t; SELECT b FROM u")
	structured := ParseExecutions(`[{"query":"SELECT a FROM t"},{"query":"SELECT b FROM u"}]`)
	require.Len(t, legacy, len(structured))
	for i := range legacy {
		require.Equal(t, structured[i].Query, legacy[i].Query)
	}
}

func TestParseExecutions_MalformedArrayFallsBackToLegacy(t *testing.T) {
	execs := ParseExecutions(`[not json; at all`)
	require.Len(t, execs, 2)
	require.Equal(t, "[not json", execs[0].Query)
	require.Equal(t, "at all", execs[1].Query)
}

func TestParseExecutions_Empty(t *testing.T) {
	require.Nil(t, ParseExecutions(""))
	require.Nil(t, ParseExecutions("   "))
}

func TestExecutionsFromRecord_JSONStringWrapping(t *testing.T) {
	// servers that predate the structured format store the field as a
	// plain JSON string in either shape
	legacy := executionsFromRecord(json.RawMessage(`"SELECT 1; SELECT 2"`))
	require.Len(t, legacy, 2)

	structured := executionsFromRecord(json.RawMessage(`"[{\"query\":\"SELECT 1\"}]"`))
	require.Len(t, structured, 1)
	require.Equal(t, "SELECT 1", structured[0].Query)

	require.Nil(t, executionsFromRecord(nil))
	require.Nil(t, executionsFromRecord(json.RawMessage(`null`)))
}

func TestLoader_RefetchKeepsStreamingState(t *testing.T) {
	fetcher := newStubFetcher()
	fetcher.snaps["c1"] = &ConversationSnapshot{
		ID:       "c1",
		Messages: []SnapshotMessage{{ID: "m1", Content: "old", CreatedAt: time.Now()}},
	}
	loader, session, _ := newTestLoader(t, fetcher)
	require.NoError(t, loader.Switch(context.Background(), "c1"))

	session.BeginTurn("m2")
	session.AppendToken("m2", "streaming")

	require.NoError(t, loader.Refetch(context.Background()))

	// local streamed state wins, the snapshot is not applied
	require.Equal(t, "m2", session.StreamingTarget())
	msgs := session.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "streaming", msgs[1].Content)
}
