// Package sheets is the spreadsheet backend: a read-only Google Sheets
// client authenticated with a service account key.
package sheets

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"github.com/perfqa/perfhub/internal/telemetry"
)

const (
	// DefaultRange covers the columns QA result sheets actually use.
	DefaultRange = "A:Z"

	defaultBaseURL = "https://sheets.googleapis.com"
	readonlyScope  = "https://www.googleapis.com/auth/spreadsheets.readonly"
)

var (
	sheetIDRe = regexp.MustCompile(`/spreadsheets/d/([a-zA-Z0-9-_]+)`)
	gidRe     = regexp.MustCompile(`gid=(\d+)`)
	bareIDRe  = regexp.MustCompile(`^[a-zA-Z0-9-_]+$`)
)

// Config describes the service account and, for tests, endpoint overrides.
type Config struct {
	// CredentialsJSON is the content of the service account key file.
	CredentialsJSON []byte
	// BaseURL overrides the Sheets API endpoint.
	BaseURL string
	// TokenURL overrides the token endpoint from the key file.
	TokenURL string
}

type serviceAccountKey struct {
	ClientEmail string `json:"client_email"`
	PrivateKey  string `json:"private_key"`
	TokenURI    string `json:"token_uri"`
}

// Client reads spreadsheets on behalf of the service account. Access tokens
// are cached until shortly before expiry.
type Client struct {
	email      string
	key        *rsa.PrivateKey
	tokenURL   string
	baseURL    string
	httpClient *http.Client

	mu    sync.Mutex
	token string
	expAt time.Time
}

func New(cfg Config) (*Client, error) {
	var sa serviceAccountKey
	if err := json.Unmarshal(cfg.CredentialsJSON, &sa); err != nil {
		return nil, fmt.Errorf("parse service account key: %w", err)
	}
	if sa.ClientEmail == "" || sa.PrivateKey == "" {
		return nil, fmt.Errorf("service account key is missing client_email or private_key")
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(sa.PrivateKey))
	if err != nil {
		return nil, fmt.Errorf("parse service account private key: %w", err)
	}

	tokenURL := cfg.TokenURL
	if tokenURL == "" {
		tokenURL = sa.TokenURI
	}
	if tokenURL == "" {
		tokenURL = "https://oauth2.googleapis.com/token"
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		email:      sa.ClientEmail,
		key:        key,
		tokenURL:   tokenURL,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// Ping obtains an access token, proving the key is valid and the token
// endpoint reachable. Part of the resource.Session contract.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.accessToken(ctx)
	return err
}

// Close is a no-op. Part of the resource.Session contract.
func (c *Client) Close() error { return nil }

func (c *Client) makeAssertion() (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"iss":   c.email,
		"scope": readonlyScope,
		"aud":   c.tokenURL,
		"iat":   now.Unix(),
		"exp":   now.Add(time.Hour).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	return token.SignedString(c.key)
}

func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && time.Now().Before(c.expAt.Add(-time.Minute)) {
		return c.token, nil
	}

	assertion, err := c.makeAssertion()
	if err != nil {
		return "", fmt.Errorf("sign token assertion: %w", err)
	}

	form := url.Values{
		"grant_type": {"urn:ietf:params:oauth:grant-type:jwt-bearer"},
		"assertion":  {assertion},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("request access token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		telemetry.IncBackendAPIError("sheets", resp.StatusCode)
		return "", fmt.Errorf("access token HTTP %d: %s", resp.StatusCode, body)
	}

	var tok struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}

	c.token = tok.AccessToken
	c.expAt = time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second)
	return c.token, nil
}

// SheetRef identifies a spreadsheet and, when the source URL carried one, a
// tab within it.
type SheetRef struct {
	SpreadsheetID string
	GID           int64
	HasGID        bool
}

// ParseSheetURL accepts a full spreadsheet URL or a bare spreadsheet id.
func ParseSheetURL(raw string) (SheetRef, error) {
	if m := sheetIDRe.FindStringSubmatch(raw); m != nil {
		ref := SheetRef{SpreadsheetID: m[1]}
		if g := gidRe.FindStringSubmatch(raw); g != nil {
			gid, err := strconv.ParseInt(g[1], 10, 64)
			if err == nil {
				ref.GID = gid
				ref.HasGID = true
			}
		}
		return ref, nil
	}
	if bareIDRe.MatchString(raw) {
		return SheetRef{SpreadsheetID: raw}, nil
	}
	return SheetRef{}, fmt.Errorf("not a spreadsheet URL or id: %q", raw)
}

// SheetProps describes one tab of a spreadsheet.
type SheetProps struct {
	SheetID int64  `json:"sheet_id"`
	Title   string `json:"title"`
	Rows    int64  `json:"rows"`
	Columns int64  `json:"columns"`
}

// SpreadsheetInfo is the metadata of a spreadsheet and its tabs.
type SpreadsheetInfo struct {
	SpreadsheetID string       `json:"spreadsheet_id"`
	Title         string       `json:"title"`
	Sheets        []SheetProps `json:"sheets"`
}

// Info fetches spreadsheet metadata for a URL or id.
func (c *Client) Info(ctx context.Context, urlOrID string) (*SpreadsheetInfo, error) {
	ref, err := ParseSheetURL(urlOrID)
	if err != nil {
		return nil, err
	}
	return c.info(ctx, ref.SpreadsheetID)
}

func (c *Client) info(ctx context.Context, spreadsheetID string) (*SpreadsheetInfo, error) {
	endpoint := fmt.Sprintf("%s/v4/spreadsheets/%s?fields=%s", c.baseURL, spreadsheetID,
		url.QueryEscape("properties.title,sheets.properties"))

	var payload struct {
		Properties struct {
			Title string `json:"title"`
		} `json:"properties"`
		Sheets []struct {
			Properties struct {
				SheetID        int64  `json:"sheetId"`
				Title          string `json:"title"`
				GridProperties struct {
					RowCount    int64 `json:"rowCount"`
					ColumnCount int64 `json:"columnCount"`
				} `json:"gridProperties"`
			} `json:"properties"`
		} `json:"sheets"`
	}
	if err := c.getJSON(ctx, "spreadsheet info", endpoint, &payload); err != nil {
		return nil, err
	}

	info := &SpreadsheetInfo{SpreadsheetID: spreadsheetID, Title: payload.Properties.Title}
	for _, s := range payload.Sheets {
		info.Sheets = append(info.Sheets, SheetProps{
			SheetID: s.Properties.SheetID,
			Title:   s.Properties.Title,
			Rows:    s.Properties.GridProperties.RowCount,
			Columns: s.Properties.GridProperties.ColumnCount,
		})
	}
	return info, nil
}

// Values returns the formatted cell values of a range. When the URL names a
// tab by gid, the range is scoped to that tab; an empty range means
// DefaultRange.
func (c *Client) Values(ctx context.Context, urlOrID, cellRange string) ([][]string, error) {
	ref, err := ParseSheetURL(urlOrID)
	if err != nil {
		return nil, err
	}
	if cellRange == "" {
		cellRange = DefaultRange
	}

	if ref.HasGID && !strings.Contains(cellRange, "!") {
		info, err := c.info(ctx, ref.SpreadsheetID)
		if err != nil {
			return nil, err
		}
		title := ""
		for _, s := range info.Sheets {
			if s.SheetID == ref.GID {
				title = s.Title
				break
			}
		}
		if title == "" {
			return nil, fmt.Errorf("spreadsheet %s has no sheet with gid %d", ref.SpreadsheetID, ref.GID)
		}
		cellRange = fmt.Sprintf("'%s'!%s", title, cellRange)
	}

	endpoint := fmt.Sprintf("%s/v4/spreadsheets/%s/values/%s?valueRenderOption=FORMATTED_VALUE",
		c.baseURL, ref.SpreadsheetID, url.PathEscape(cellRange))

	var payload struct {
		Values [][]any `json:"values"`
	}
	if err := c.getJSON(ctx, "sheet values", endpoint, &payload); err != nil {
		return nil, err
	}

	out := make([][]string, len(payload.Values))
	for i, row := range payload.Values {
		cells := make([]string, len(row))
		for j, v := range row {
			cells[j] = fmt.Sprintf("%v", v)
		}
		out[i] = cells
	}
	return out, nil
}

func (c *Client) getJSON(ctx context.Context, operation, endpoint string, out any) error {
	token, err := c.accessToken(ctx)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", operation, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		telemetry.IncBackendAPIError("sheets", resp.StatusCode)
		return fmt.Errorf("%s HTTP %d: %s", operation, resp.StatusCode, body)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", operation, err)
	}
	return nil
}
