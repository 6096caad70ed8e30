package normalizer

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/campaignpulse/crisis-pipeline/internal/model"
)

func newTestNormalizer(t *testing.T) *Normalizer {
	t.Helper()
	logger, _ := zap.NewDevelopment()
	return New(logger, NewDedupCache(1000, time.Hour))
}

func socialPayload(text, authorID string) json.RawMessage {
	payload := map[string]interface{}{
		"post_id":  "p-1",
		"text":     text,
		"platform": "twitter",
		"author": map[string]interface{}{
			"id":        authorID,
			"handle":    "organizer",
			"followers": 1200,
		},
		"posted_at":       time.Date(2025, 6, 1, 12, 0, 30, 0, time.UTC).Format(time.RFC3339),
		"sentiment_score": -0.8,
		"engagement":      40,
		"hashtags":        []string{"water-crisis"},
	}
	data, _ := json.Marshal(payload)
	return data
}

func TestNormalizer_SocialStream(t *testing.T) {
	n := newTestNormalizer(t)

	event, err := n.Normalize(socialPayload("the tap water smells terrible", "u-9"), "socialStream")
	require.NoError(t, err)
	require.Equal(t, "socialStream", event.Source)
	require.Equal(t, "social_post", event.Type)
	require.Equal(t, "twitter", event.Platform)
	require.Equal(t, "u-9", event.AuthorID)
	require.Equal(t, int64(1200), event.Metrics.Reach)
	require.Equal(t, []string{"water-crisis"}, event.Keywords)
	require.NotEmpty(t, event.ID)

	require.True(t, event.HasSentiment())
	require.Equal(t, model.SentimentNegative, event.Sentiment.Label)
	require.InDelta(t, -0.8, event.Sentiment.Score, 0.001)
}

func TestNormalizer_NewsAPI(t *testing.T) {
	n := newTestNormalizer(t)

	raw := json.RawMessage(`{
		"title": "Residents report discolored water",
		"description": "Complaints are mounting across the district.",
		"url": "https://news.example/water",
		"source": {"id": "outlet-1", "name": "Daily Example"},
		"author": "R. Writer",
		"publishedAt": "2025-06-01T11:45:00Z",
		"sentiment_score": -0.6,
		"estimated_reach": 80000,
		"share_count": 310,
		"topics": ["water-crisis", "infrastructure"]
	}`)

	event, err := n.Normalize(raw, "newsApi")
	require.NoError(t, err)
	require.Equal(t, "news_article", event.Type)
	require.Equal(t, "Daily Example", event.Platform)
	require.Equal(t, int64(80000), event.Metrics.Reach)
	require.Len(t, event.Keywords, 2)
}

func TestNormalizer_MissingSentimentStaysNil(t *testing.T) {
	n := newTestNormalizer(t)

	raw := json.RawMessage(`{"post_id":"p-2","text":"neutral note","author":{"id":"u-1","handle":"x"},"posted_at":"2025-06-01T12:00:00Z"}`)
	event, err := n.Normalize(raw, "socialStream")
	require.NoError(t, err)
	require.False(t, event.HasSentiment())
}

func TestNormalizer_MalformedPayload(t *testing.T) {
	n := newTestNormalizer(t)

	_, err := n.Normalize(json.RawMessage(`{"no_text_field":true}`), "socialStream")
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrMalformedPayload))
	require.Equal(t, int64(1), n.MalformedDropped())

	_, err = n.Normalize(json.RawMessage(`not json at all`), "newsApi")
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrMalformedPayload))
	require.Equal(t, int64(2), n.MalformedDropped())
}

func TestNormalizer_UnknownSource(t *testing.T) {
	n := newTestNormalizer(t)

	_, err := n.Normalize(json.RawMessage(`{}`), "carrierPigeon")
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrUnknownSource))
}

func TestNormalizer_DuplicateDetection(t *testing.T) {
	n := newTestNormalizer(t)

	raw := socialPayload("identical complaint text", "u-4")

	first, err := n.Normalize(raw, "socialStream")
	require.NoError(t, err)
	require.False(t, n.IsDuplicate(Fingerprint(first)))

	second, err := n.Normalize(raw, "socialStream")
	require.NoError(t, err)
	require.True(t, n.IsDuplicate(Fingerprint(second)))
	require.Equal(t, int64(1), n.DuplicatesFiltered())

	// Same text from a different author is not a duplicate.
	other, err := n.Normalize(socialPayload("identical complaint text", "u-5"), "socialStream")
	require.NoError(t, err)
	require.False(t, n.IsDuplicate(Fingerprint(other)))
}

func TestNormalizer_ConcurrentDuplicates(t *testing.T) {
	n := newTestNormalizer(t)

	event, err := n.Normalize(socialPayload("burst duplicate", "u-7"), "socialStream")
	require.NoError(t, err)
	fp := Fingerprint(event)

	var accepted int64
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !n.IsDuplicate(fp) {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Equal(t, int64(1), accepted, "exactly one of the concurrent submissions may pass")
	require.Equal(t, int64(49), n.DuplicatesFiltered())
}

func TestNormalizer_OnAcceptedHook(t *testing.T) {
	n := newTestNormalizer(t)

	var got []*model.MonitoringEvent
	n.OnAccepted(func(e *model.MonitoringEvent) { got = append(got, e) })

	event, err := n.Normalize(socialPayload("hook test", "u-2"), "socialStream")
	require.NoError(t, err)
	n.Accept(event)

	require.Len(t, got, 1)
	require.Equal(t, event.ID, got[0].ID)
}

func TestDedupCache_TTLAndEviction(t *testing.T) {
	cache := NewDedupCache(3, 50*time.Millisecond)

	require.False(t, cache.CheckAndMark("a"))
	require.True(t, cache.CheckAndMark("a"))

	// Expired keys are treated as new again.
	time.Sleep(80 * time.Millisecond)
	require.False(t, cache.CheckAndMark("a"))

	// Capacity eviction drops the least recently used key.
	for i := 0; i < 4; i++ {
		cache.CheckAndMark(fmt.Sprintf("key-%d", i))
	}
	require.LessOrEqual(t, cache.Len(), 3)
}
