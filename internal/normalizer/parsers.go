package normalizer

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/campaignpulse/crisis-pipeline/internal/model"
)

// labelForScore maps a numeric sentiment onto its coarse label when the
// source supplies only the score.
func labelForScore(score float64) model.SentimentLabel {
	switch {
	case score <= -0.1:
		return model.SentimentNegative
	case score >= 0.1:
		return model.SentimentPositive
	default:
		return model.SentimentNeutral
	}
}

func sentimentFrom(score *float64, label string) *model.Sentiment {
	if score == nil && label == "" {
		return nil
	}
	s := &model.Sentiment{}
	if score != nil {
		s.Score = *score
	}
	if label != "" {
		s.Label = model.SentimentLabel(label)
	} else {
		s.Label = labelForScore(s.Score)
	}
	return s
}

// metaAdsParser handles Meta ad-comment mention payloads
type metaAdsParser struct{}

func (p *metaAdsParser) Parse(raw json.RawMessage) (*CanonicalFields, error) {
	var payload struct {
		CommentID  string   `json:"comment_id"`
		AdID       string   `json:"ad_id"`
		Message    string   `json:"message"`
		Permalink  string   `json:"permalink_url"`
		From       struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"from"`
		CreatedTime    string   `json:"created_time"`
		Sentiment      *float64 `json:"sentiment_score"`
		SentimentLabel string   `json:"sentiment_label"`
		Reach          int64    `json:"reach"`
		Reactions      int64    `json:"reactions"`
		Keywords       []string `json:"matched_keywords"`
		Mentions       []string `json:"mentions"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, err
	}
	if payload.Message == "" {
		return nil, fmt.Errorf("metaAds payload missing message")
	}

	ts, _ := time.Parse(time.RFC3339, payload.CreatedTime)
	return &CanonicalFields{
		Type:       "ad_comment",
		Timestamp:  ts,
		Title:      fmt.Sprintf("Comment on ad %s", payload.AdID),
		Content:    payload.Message,
		URL:        payload.Permalink,
		AuthorID:   payload.From.ID,
		AuthorName: payload.From.Name,
		Platform:   "facebook",
		Sentiment:  sentimentFrom(payload.Sentiment, payload.SentimentLabel),
		Reach:      payload.Reach,
		Engagement: payload.Reactions,
		Keywords:   payload.Keywords,
		Mentions:   payload.Mentions,
	}, nil
}

// googleAdsParser handles Google Ads search-term mention payloads
type googleAdsParser struct{}

func (p *googleAdsParser) Parse(raw json.RawMessage) (*CanonicalFields, error) {
	var payload struct {
		QueryID        string   `json:"query_id"`
		SearchTerm     string   `json:"search_term"`
		CampaignName   string   `json:"campaign_name"`
		Impressions    int64    `json:"impressions"`
		Clicks         int64    `json:"clicks"`
		Date           string   `json:"date"`
		Sentiment      *float64 `json:"sentiment_score"`
		SentimentLabel string   `json:"sentiment_label"`
		Keywords       []string `json:"matched_keywords"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, err
	}
	if payload.SearchTerm == "" {
		return nil, fmt.Errorf("googleAds payload missing search_term")
	}

	ts, _ := time.Parse("2006-01-02", payload.Date)
	return &CanonicalFields{
		Type:       "search_term",
		Timestamp:  ts,
		Title:      fmt.Sprintf("Search term in %s", payload.CampaignName),
		Content:    payload.SearchTerm,
		AuthorID:   payload.QueryID,
		Platform:   "google",
		Sentiment:  sentimentFrom(payload.Sentiment, payload.SentimentLabel),
		Reach:      payload.Impressions,
		Engagement: payload.Clicks,
		Keywords:   payload.Keywords,
	}, nil
}

// newsAPIParser handles editorial article payloads
type newsAPIParser struct{}

func (p *newsAPIParser) Parse(raw json.RawMessage) (*CanonicalFields, error) {
	var payload struct {
		Title  string `json:"title"`
		Body   string `json:"description"`
		URL    string `json:"url"`
		Outlet struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"source"`
		Author         string   `json:"author"`
		PublishedAt    string   `json:"publishedAt"`
		Sentiment      *float64 `json:"sentiment_score"`
		SentimentLabel string   `json:"sentiment_label"`
		Reach          int64    `json:"estimated_reach"`
		Shares         int64    `json:"share_count"`
		Keywords       []string `json:"topics"`
		Mentions       []string `json:"entities"`
		Influence      float64  `json:"outlet_authority"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, err
	}
	if payload.Title == "" && payload.Body == "" {
		return nil, fmt.Errorf("newsApi payload missing title and description")
	}

	ts, _ := time.Parse(time.RFC3339, payload.PublishedAt)
	return &CanonicalFields{
		Type:       "news_article",
		Timestamp:  ts,
		Title:      payload.Title,
		Content:    payload.Body,
		URL:        payload.URL,
		AuthorID:   payload.Outlet.ID,
		AuthorName: payload.Author,
		Platform:   payload.Outlet.Name,
		Sentiment:  sentimentFrom(payload.Sentiment, payload.SentimentLabel),
		Reach:      payload.Reach,
		Engagement: payload.Shares,
		Keywords:   payload.Keywords,
		Mentions:   payload.Mentions,
		Influence:  payload.Influence,
	}, nil
}

// socialStreamParser handles generic social firehose payloads
type socialStreamParser struct{}

func (p *socialStreamParser) Parse(raw json.RawMessage) (*CanonicalFields, error) {
	var payload struct {
		PostID   string `json:"post_id"`
		Text     string `json:"text"`
		Link     string `json:"link"`
		Platform string `json:"platform"`
		Author   struct {
			ID        string  `json:"id"`
			Handle    string  `json:"handle"`
			Followers int64   `json:"followers"`
			Influence float64 `json:"influence_score"`
		} `json:"author"`
		PostedAt       string   `json:"posted_at"`
		Sentiment      *float64 `json:"sentiment_score"`
		SentimentLabel string   `json:"sentiment_label"`
		Engagement     int64    `json:"engagement"`
		Hashtags       []string `json:"hashtags"`
		Mentions       []string `json:"mentions"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, err
	}
	if payload.Text == "" {
		return nil, fmt.Errorf("socialStream payload missing text")
	}

	platform := payload.Platform
	if platform == "" {
		platform = "social"
	}
	ts, _ := time.Parse(time.RFC3339, payload.PostedAt)
	return &CanonicalFields{
		Type:       "social_post",
		Timestamp:  ts,
		Title:      fmt.Sprintf("Post by @%s", payload.Author.Handle),
		Content:    payload.Text,
		URL:        payload.Link,
		AuthorID:   payload.Author.ID,
		AuthorName: payload.Author.Handle,
		Platform:   platform,
		Sentiment:  sentimentFrom(payload.Sentiment, payload.SentimentLabel),
		Reach:      payload.Author.Followers,
		Engagement: payload.Engagement,
		Keywords:   payload.Hashtags,
		Mentions:   payload.Mentions,
		Influence:  payload.Author.Influence,
	}, nil
}
