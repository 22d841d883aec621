package services

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	UserTypeStaff   = "staff"
	UserTypeStudent = "student"
)

// DirectoryResult is the staff/student directory's answer for one email
type DirectoryResult struct {
	IsValid  bool   `json:"isValid"`
	UserType string `json:"userType,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Directory verifies that an email belongs to a staff member or student
type Directory interface {
	Verify(ctx context.Context, email string) (DirectoryResult, error)
}

// DirectoryClient calls the institution directory over HTTP
type DirectoryClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewDirectoryClient(baseURL, apiKey string, timeout time.Duration) *DirectoryClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &DirectoryClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

func (d *DirectoryClient) Verify(ctx context.Context, email string) (DirectoryResult, error) {
	endpoint := d.baseURL + "/verify?email=" + url.QueryEscape(strings.TrimSpace(email))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return DirectoryResult{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if d.apiKey != "" {
		req.Header.Set("X-Api-Key", d.apiKey)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return DirectoryResult{}, fmt.Errorf("directory request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return DirectoryResult{}, fmt.Errorf("failed to read directory response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return DirectoryResult{}, fmt.Errorf("directory request failed with status %d: %s", resp.StatusCode, string(body))
	}

	var result DirectoryResult
	if err := json.Unmarshal(body, &result); err != nil {
		return DirectoryResult{}, fmt.Errorf("failed to decode directory response: %w", err)
	}
	if result.UserType != UserTypeStaff && result.UserType != UserTypeStudent {
		result.UserType = ""
	}
	return result, nil
}

// CachedDirectory remembers directory answers in Redis. Errors are not cached.
type CachedDirectory struct {
	next  Directory
	cache *RedisCache
	ttl   time.Duration
}

func NewCachedDirectory(next Directory, cache *RedisCache, ttl time.Duration) *CachedDirectory {
	return &CachedDirectory{next: next, cache: cache, ttl: ttl}
}

func (d *CachedDirectory) Verify(ctx context.Context, email string) (DirectoryResult, error) {
	key := "directory:verify:" + strings.ToLower(strings.TrimSpace(email))
	return GetOrSet(d.cache, ctx, key, d.ttl, func() (DirectoryResult, error) {
		return d.next.Verify(ctx, email)
	})
}
