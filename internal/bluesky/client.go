package bluesky

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// PostRef identifies a published post: the AT URI plus its content hash.
type PostRef struct {
	URI string `json:"uri"`
	CID string `json:"cid"`
}

// Client posts to a Bluesky instance over the AT Protocol XRPC API.
// Authentication happens lazily: a session is created on first use and
// refreshed when a call comes back unauthorized.
type Client struct {
	host       string
	handle     string
	password   string
	httpClient *http.Client

	accessJWT string
	did       string
}

// New creates a Client for the given PDS host and account credentials.
func New(host, handle, password string) *Client {
	return &Client{
		host:     strings.TrimRight(host, "/"),
		handle:   handle,
		password: password,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type sessionResponse struct {
	AccessJWT string `json:"accessJwt"`
	DID       string `json:"did"`
}

// createSession authenticates and caches the access token and DID.
func (c *Client) createSession(ctx context.Context) error {
	body, err := json.Marshal(map[string]string{
		"identifier": c.handle,
		"password":   c.password,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.host+"/xrpc/com.atproto.server.createSession", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating session request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("session request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("createSession: unexpected status %d", resp.StatusCode)
	}

	var session sessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return fmt.Errorf("decoding session response: %w", err)
	}
	if session.AccessJWT == "" || session.DID == "" {
		return fmt.Errorf("createSession: incomplete session response")
	}

	c.accessJWT = session.AccessJWT
	c.did = session.DID
	return nil
}

// Post publishes text as an app.bsky.feed.post record and returns its
// identifiers.
func (c *Client) Post(ctx context.Context, text string) (PostRef, error) {
	ref, retry, err := c.post(ctx, text)
	if retry {
		// Session expired; re-authenticate once and retry.
		c.accessJWT = ""
		return c.postOnce(ctx, text)
	}
	return ref, err
}

func (c *Client) postOnce(ctx context.Context, text string) (PostRef, error) {
	ref, _, err := c.post(ctx, text)
	return ref, err
}

func (c *Client) post(ctx context.Context, text string) (ref PostRef, retry bool, err error) {
	if c.accessJWT == "" {
		if err := c.createSession(ctx); err != nil {
			return PostRef{}, false, err
		}
	}

	record := map[string]any{
		"repo":       c.did,
		"collection": "app.bsky.feed.post",
		"record": map[string]any{
			"$type":     "app.bsky.feed.post",
			"text":      text,
			"createdAt": time.Now().UTC().Format(time.RFC3339),
		},
	}
	body, err := json.Marshal(record)
	if err != nil {
		return PostRef{}, false, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.host+"/xrpc/com.atproto.repo.createRecord", bytes.NewReader(body))
	if err != nil {
		return PostRef{}, false, fmt.Errorf("creating post request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.accessJWT)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return PostRef{}, false, fmt.Errorf("post request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return PostRef{}, true, fmt.Errorf("createRecord: unauthorized")
	}
	if resp.StatusCode != http.StatusOK {
		return PostRef{}, false, fmt.Errorf("createRecord: unexpected status %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(&ref); err != nil {
		return PostRef{}, false, fmt.Errorf("decoding post response: %w", err)
	}
	if ref.URI == "" {
		return PostRef{}, false, fmt.Errorf("createRecord: response missing uri")
	}
	return ref, false, nil
}

// Engagement holds the public interaction counters for one post.
type Engagement struct {
	Likes   int `json:"likeCount"`
	Reposts int `json:"repostCount"`
	Replies int `json:"replyCount"`
}

type postsResponse struct {
	Posts []struct {
		URI string `json:"uri"`
		Engagement
	} `json:"posts"`
}

// PostEngagement fetches like/repost/reply counts for a post by AT URI.
func (c *Client) PostEngagement(ctx context.Context, uri string) (Engagement, error) {
	if c.accessJWT == "" {
		if err := c.createSession(ctx); err != nil {
			return Engagement{}, err
		}
	}

	u := c.host + "/xrpc/app.bsky.feed.getPosts?uris=" + url.QueryEscape(uri)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Engagement{}, fmt.Errorf("creating getPosts request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.accessJWT)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Engagement{}, fmt.Errorf("getPosts request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Engagement{}, fmt.Errorf("getPosts: unexpected status %d", resp.StatusCode)
	}

	var posts postsResponse
	if err := json.NewDecoder(resp.Body).Decode(&posts); err != nil {
		return Engagement{}, fmt.Errorf("decoding getPosts response: %w", err)
	}
	if len(posts.Posts) == 0 {
		return Engagement{}, fmt.Errorf("getPosts: post %s not found", uri)
	}
	return posts.Posts[0].Engagement, nil
}

type profileResponse struct {
	FollowersCount int `json:"followersCount"`
}

// FollowerCount returns the current follower count for the configured handle.
func (c *Client) FollowerCount(ctx context.Context) (int, error) {
	if c.accessJWT == "" {
		if err := c.createSession(ctx); err != nil {
			return 0, err
		}
	}

	u := c.host + "/xrpc/app.bsky.actor.getProfile?actor=" + url.QueryEscape(c.handle)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, fmt.Errorf("creating profile request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.accessJWT)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("profile request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("getProfile: unexpected status %d", resp.StatusCode)
	}

	var profile profileResponse
	if err := json.NewDecoder(resp.Body).Decode(&profile); err != nil {
		return 0, fmt.Errorf("decoding profile response: %w", err)
	}
	return profile.FollowersCount, nil
}
