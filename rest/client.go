// Copyright 2026 The Restartvisor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package rest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/claude-mpm/restartvisor"
)

// DefaultRetries is how many times a GET is retried after a transport
// error.
const DefaultRetries = 3

// Client talks to a restart supervisor's REST interface.  GET requests
// are retried, with exponential backoff, when the server cannot be
// reached; requests that change state are never retried.
type Client struct {
	base    string // URI to root of tree on server
	client  *http.Client
	retries uint64

	// Cached data
	log  *LogInfo
	lock sync.Mutex
}

func (c *Client) url(id string) string {
	if id == "" {
		return c.base + "/deployments"
	}
	return c.base + "/deployments/" + url.PathEscape(id)
}

func (c *Client) policy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxElapsedTime = 10 * time.Second
	return backoff.WithContext(backoff.WithMaxRetries(b, c.retries), ctx)
}

// poll issues an HTTP GET against the URL, optionally checking for a cache,
// including optionally issuing a long poll that tries to wait until the
// value changes.  The return values are the new Etag and any error.  If the
// value did not change, then the returned etag will be "", but the error will
// be nil.
func (c *Client) poll(ctx context.Context, url string, etag string, wait int, v interface{}) (string, error) {
	var rv string
	op := func() error {
		var err error
		rv, err = c.get(ctx, url, etag, wait, v)
		return err
	}
	if err := backoff.Retry(op, c.policy(ctx)); err != nil {
		return "", err
	}
	return rv, nil
}

func (c *Client) get(ctx context.Context, url string, etag string, wait int, v interface{}) (string, error) {
	req, e := http.NewRequestWithContext(ctx, "GET", url, nil)
	if e != nil {
		return "", backoff.Permanent(e)
	}
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
		if wait > 0 {
			req.Header.Set(PollEtagHeader, etag)
			req.Header.Set(PollTimeHeader, strconv.Itoa(wait))
		}
	}

	res, e := c.client.Do(req)
	if e != nil {
		if ctx.Err() != nil {
			return "", backoff.Permanent(ctx.Err())
		}
		return "", e
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusNotModified {
		return "", nil
	}
	if res.StatusCode != http.StatusOK {
		return "", backoff.Permanent(readError(res))
	}
	body, e := io.ReadAll(res.Body)
	if e != nil {
		return "", e
	}
	if e := json.Unmarshal(body, v); e != nil {
		return "", backoff.Permanent(e)
	}
	return res.Header.Get("Etag"), nil
}

// readError builds an Error from a failed response, preferring the JSON
// body the server sends.
func readError(res *http.Response) error {
	e := &Error{}
	if err := json.NewDecoder(res.Body).Decode(e); err != nil || e.Message == "" {
		e.Message = res.Status
	}
	e.Code = res.StatusCode
	return e
}

func (c *Client) post(ctx context.Context, url string, v interface{}) error {
	req, e := http.NewRequestWithContext(ctx, "POST", url, http.NoBody)
	if e != nil {
		return e
	}
	req.Header.Set("Content-Type", "text/plain") // we don't really care
	res, e := c.client.Do(req)
	if e != nil {
		return e
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return readError(res)
	}
	if v == nil {
		return nil
	}
	return json.NewDecoder(res.Body).Decode(v)
}

// Deployments returns the ids of the deployments known to the server.
func (c *Client) Deployments(ctx context.Context) ([]string, error) {
	v := []string{}
	if _, e := c.poll(ctx, c.url(""), "", 0, &v); e != nil {
		return nil, e
	}
	return v, nil
}

// Deployment returns what the server knows about one deployment.
func (c *Client) Deployment(ctx context.Context, id string) (*restartvisor.DeploymentInfo, error) {
	v := &restartvisor.DeploymentInfo{}
	if _, e := c.poll(ctx, c.url(id), "", 0, v); e != nil {
		return nil, e
	}
	return v, nil
}

// History returns the restart history of a deployment.
func (c *Client) History(ctx context.Context, id string) (*restartvisor.RestartHistory, error) {
	v := &restartvisor.RestartHistory{}
	if _, e := c.poll(ctx, c.url(id)+"/history", "", 0, v); e != nil {
		return nil, e
	}
	return v, nil
}

func (c *Client) EnableAutoRestart(ctx context.Context, id string) error {
	return c.post(ctx, c.url(id)+"/enable", nil)
}

func (c *Client) DisableAutoRestart(ctx context.Context, id string) error {
	return c.post(ctx, c.url(id)+"/disable", nil)
}

func (c *Client) ClearHistory(ctx context.Context, id string) error {
	return c.post(ctx, c.url(id)+"/clear", nil)
}

// Restart asks for a manual restart, and waits for its outcome.
func (c *Client) Restart(ctx context.Context, id string) (*RestartResult, error) {
	v := &RestartResult{}
	if e := c.post(ctx, c.url(id)+"/restart", v); e != nil {
		return nil, e
	}
	return v, nil
}

func (c *Client) pollLog(ctx context.Context, secs int, last *LogInfo) (*LogInfo, error) {
	c.lock.Lock()
	cached := c.log
	c.lock.Unlock()

	otag := ""
	if last == nil {
		secs = 0
	} else if cached != nil && last.etag != cached.etag {
		// The caller has not seen the cached copy yet.
		return cached, nil
	} else {
		otag = last.etag
	}

	v := &LogInfo{}
	etag, e := c.poll(ctx, c.base+"/log", otag, secs, &v.Records)
	if e != nil {
		c.lock.Lock()
		c.log = nil
		c.lock.Unlock()
		return nil, e
	}
	if etag == "" {
		return last, nil
	}
	v.etag = etag
	c.lock.Lock()
	c.log = v
	c.lock.Unlock()
	return v, nil
}

// GetLog returns the supervisor's event log.
func (c *Client) GetLog(ctx context.Context) (*LogInfo, error) {
	return c.pollLog(ctx, 0, nil)
}

// WatchLog waits up to MaxPollTime seconds for the log to differ from
// last, and returns it.  If nothing changed, last is returned.
func (c *Client) WatchLog(ctx context.Context, last *LogInfo) (*LogInfo, error) {
	return c.pollLog(ctx, MaxPollTime, last)
}

// IsNotFound reports whether err is the server saying that a deployment
// does not exist.
func IsNotFound(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == http.StatusNotFound
}

// NewClient returns a Client handle.  The transport may be nil to use
// a default transport, but it may also be adjusted to support additional
// options such as TLS.  baseURI is the base URL to use.
func NewClient(t http.RoundTripper, baseURI string) *Client {
	if t == nil {
		t = http.DefaultTransport
	}
	return &Client{
		base:    baseURI,
		client:  &http.Client{Transport: t},
		retries: DefaultRetries,
	}
}
