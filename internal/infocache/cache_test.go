package infocache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tachyon/internal/plugin"
)

func TestGetInfoResultIsDestructive(t *testing.T) {
	c := New()
	rid := c.CreateResultThread()
	c.SetInfoResults(rid, map[string]Result{"u1": {Status: StatusOnline}})

	gotID, results := c.GetInfoResult(rid)
	require.Equal(t, rid, gotID)
	require.Len(t, results, 1)

	gotID2, results2 := c.GetInfoResult(rid)
	require.Equal(t, rid, gotID2)
	require.Empty(t, results2, "second consecutive retrieval must not overlap the first")
}

func TestSentinelNeverReturnedAndYieldsNegativeOne(t *testing.T) {
	c := New()
	rid := c.CreateResultThread()
	c.SetInfoResults(rid, map[string]Result{"u1": {Status: StatusOnline}})
	c.MarkDone(rid)

	gotID, results := c.GetInfoResult(rid)
	require.Equal(t, int64(-1), gotID)
	require.Len(t, results, 1)
	for k := range results {
		require.NotEqual(t, "ALL_INFO_FETCHED", k)
	}

	// bucket is now gone
	gotID2, results2 := c.GetInfoResult(rid)
	require.Equal(t, rid, gotID2)
	require.Empty(t, results2)
}

func TestExpirePurgesAfterTTL(t *testing.T) {
	c := New()
	rid := c.CreateResultThread()
	c.SetInfoResults(rid, map[string]Result{"u1": {Status: StatusOnline}})

	c.Expire(time.Now().Add(6 * time.Minute))
	_, results := c.GetInfoResult(rid)
	require.Empty(t, results)
}

func TestExpireNoopBeforeTTL(t *testing.T) {
	c := New()
	rid := c.CreateResultThread()
	c.SetInfoResults(rid, map[string]Result{"u1": {Status: StatusOnline}})

	c.Expire(time.Now())
	_, results := c.GetInfoResult(rid)
	require.Len(t, results, 1)
}

func TestParseNamesGroupsArchiveParts(t *testing.T) {
	groups := ParseNames([]string{
		"http://host/movie.part1.rar",
		"http://host/movie.part2.rar",
		"http://host/other.zip",
	})
	require.Len(t, groups, 2)
	require.ElementsMatch(t, []string{
		"http://host/movie.part1.rar", "http://host/movie.part2.rar",
	}, groups["movie"])
	require.Equal(t, []string{"http://host/other.zip"}, groups["other"])
}

func TestCheckOnlineStatusBuildsUnknownSkeleton(t *testing.T) {
	c := New()
	check := c.CheckOnlineStatus([]string{"http://host/file.bin"}, func(string) string { return "generic" })
	require.GreaterOrEqual(t, check.ResultID, int64(0))
	require.Len(t, check.Statuses, 1)
	require.Equal(t, StatusUnknown, check.Statuses["http://host/file.bin"].Status)
	require.Equal(t, "generic", check.Statuses["http://host/file.bin"].Plugin)
}

type fakeInfoPlugin struct {
	name   string
	result plugin.InfoResult
	err    error
}

func (p *fakeInfoPlugin) Name() string  { return p.name }
func (p *fakeInfoPlugin) Multi() bool   { return true }
func (p *fakeInfoPlugin) GetInfo(ctx context.Context, url string) (plugin.InfoResult, error) {
	return p.result, p.err
}

func TestProbeWorkerStreamsResultsAndMarksDone(t *testing.T) {
	registry := plugin.NewRegistry()
	registry.Register(&fakeInfoPlugin{name: "generic", result: plugin.InfoResult{Name: "file.bin", Size: 1024, Status: "online"}})

	c := New()
	rid := c.CreateResultThread()
	w := NewProbeWorker(c, registry)
	w.Run(context.Background(), rid, []Pair{{URL: "http://host/file.bin", PluginName: "generic"}})

	id, results := c.GetInfoResult(rid)
	require.Equal(t, int64(-1), id, "worker must have marked the bucket done")
	require.Equal(t, StatusOnline, results["http://host/file.bin"].Status)
	require.Equal(t, int64(1024), results["http://host/file.bin"].Size)
}
