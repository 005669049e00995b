// Package marketplace talks to the star marketplace API: recipient lookup, purchase
// sessions, and the transfer instructions for a session.
package marketplace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	defaultBaseURL        = "https://fragment.com"
	apiPath               = "/api"
	defaultRequestTimeout = 15 * time.Second
	maxResponseBytes      = 1 << 20

	methodSearchRecipient = "searchStarsRecipient"
	methodInitBuyRequest  = "initBuyStarsRequest"
	methodGetBuyLink      = "getBuyStarsLink"

	mainnetChainID       = "-239"
	maxProtocolVersion   = "2"
	walletPlatform       = "iphone"
	walletAppName        = "Tonkeeper"
	walletAppVersion     = "5.0.14"
	walletFeaturesJSON   = `["SendTransaction",{"name":"SendTransaction","maxMessages":255}]`
	formContentType      = "application/x-www-form-urlencoded; charset=UTF-8"
	acceptJSON           = "application/json, text/javascript, */*; q=0.01"
	requestedWithHeader  = "XMLHttpRequest"
	cookieSessionID      = "stel_ssid"
	cookieDeviceToken    = "stel_dt"
	cookieTonToken       = "stel_ton_token"
	cookieAuthToken      = "stel_token"
	referrerPurchasePath = "/stars/buy"
)

// Errors surfaced by the gateway. None of them implies a side effect happened.
var (
	ErrRecipientNotFound  = errors.New("marketplace: recipient not found")
	ErrSessionRejected    = errors.New("marketplace: session rejected")
	ErrQuoteRejected      = errors.New("marketplace: quote rejected")
	ErrGatewayUnavailable = errors.New("marketplace: gateway unavailable")
	ErrInvalidRequest     = errors.New("marketplace: invalid request")
)

// RecipientRef is the marketplace's opaque identifier of a resolved recipient.
type RecipientRef string

// SessionID identifies an open purchase session.
type SessionID string

// TransferQuote carries the exact transfer parameters for an open session.
type TransferQuote struct {
	Destination string
	AmountNano  int64
	MemoPayload string
}

// Settings is the deployment configuration used for every call.
type Settings struct {
	BaseURL         string
	APIHash         string
	SessionID       string
	DeviceToken     string
	TonToken        string
	AuthToken       string
	WalletAddress   string
	WalletStateInit string
	PublicKey       string
}

// Client implements the marketplace gateway over form-encoded POST requests.
type Client struct {
	settings   func() Settings
	httpClient *http.Client
}

// NewClient builds a client that reads its settings on every call, so a configuration
// reload applies to the next request.
func NewClient(settings func() Settings, httpClient *http.Client) (*Client, error) {
	if settings == nil {
		return nil, fmt.Errorf("%w: settings source is nil", ErrInvalidRequest)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRequestTimeout}
	}
	return &Client{settings: settings, httpClient: httpClient}, nil
}

// ResolveRecipient looks up the internal recipient reference for a handle.
func (client *Client) ResolveRecipient(ctx context.Context, handle string) (RecipientRef, error) {
	query := strings.TrimPrefix(strings.TrimSpace(handle), "@")
	if query == "" {
		return "", fmt.Errorf("%w: empty handle", ErrInvalidRequest)
	}
	form := url.Values{}
	form.Set("query", query)
	form.Set("method", methodSearchRecipient)

	var response searchRecipientResponse
	if err := client.post(ctx, form, nil, &response); err != nil {
		return "", err
	}
	if response.Found == nil || strings.TrimSpace(response.Found.Recipient) == "" {
		return "", fmt.Errorf("%w: %s", ErrRecipientNotFound, handle)
	}
	return RecipientRef(response.Found.Recipient), nil
}

// OpenSession requests a purchase session for quantity units.
func (client *Client) OpenSession(ctx context.Context, recipient RecipientRef, quantity int64) (SessionID, error) {
	if recipient == "" || quantity <= 0 {
		return "", fmt.Errorf("%w: recipient %q quantity %d", ErrInvalidRequest, recipient, quantity)
	}
	form := url.Values{}
	form.Set("recipient", string(recipient))
	form.Set("quantity", strconv.FormatInt(quantity, 10))
	form.Set("method", methodInitBuyRequest)

	var response initBuyResponse
	if err := client.post(ctx, form, nil, &response); err != nil {
		return "", err
	}
	if response.Error != "" {
		return "", fmt.Errorf("%w: %s", ErrSessionRejected, response.Error)
	}
	if strings.TrimSpace(response.RequestID) == "" {
		return "", fmt.Errorf("%w: missing request id", ErrSessionRejected)
	}
	return SessionID(response.RequestID), nil
}

// QuoteTransfer fetches the transfer parameters for an open session.
func (client *Client) QuoteTransfer(ctx context.Context, recipient RecipientRef, session SessionID, quantity int64) (TransferQuote, error) {
	if session == "" {
		return TransferQuote{}, fmt.Errorf("%w: empty session", ErrInvalidRequest)
	}
	settings := client.settings()
	form := url.Values{}
	form.Set("address", settings.WalletAddress)
	form.Set("chain", mainnetChainID)
	form.Set("walletStateInit", settings.WalletStateInit)
	form.Set("publicKey", settings.PublicKey)
	form.Set("features", walletFeaturesJSON)
	form.Set("maxProtocolVersion", maxProtocolVersion)
	form.Set("platform", walletPlatform)
	form.Set("appName", walletAppName)
	form.Set("appVersion", walletAppVersion)
	form.Set("transaction", "1")
	form.Set("id", string(session))
	form.Set("show_sender", "0")
	form.Set("method", methodGetBuyLink)

	referrer := url.Values{}
	referrer.Set("recipient", string(recipient))
	referrer.Set("quantity", strconv.FormatInt(quantity, 10))
	headers := http.Header{}
	headers.Set("Referer", strings.TrimRight(baseURLOrDefault(settings.BaseURL), "/")+referrerPurchasePath+"?"+referrer.Encode())

	var response buyLinkResponse
	if err := client.post(ctx, form, headers, &response); err != nil {
		return TransferQuote{}, err
	}
	if !response.OK || response.Transaction == nil || len(response.Transaction.Messages) == 0 {
		reason := response.Error
		if reason == "" {
			reason = "response carries no transaction"
		}
		return TransferQuote{}, fmt.Errorf("%w: %s", ErrQuoteRejected, reason)
	}
	message := response.Transaction.Messages[0]
	amount, err := parseNano(message.Amount)
	if err != nil {
		return TransferQuote{}, fmt.Errorf("%w: %v", ErrQuoteRejected, err)
	}
	if strings.TrimSpace(message.Address) == "" || message.Payload == "" {
		return TransferQuote{}, fmt.Errorf("%w: incomplete transaction message", ErrQuoteRejected)
	}
	return TransferQuote{
		Destination: strings.TrimSpace(message.Address),
		AmountNano:  amount,
		MemoPayload: message.Payload,
	}, nil
}

func (client *Client) post(ctx context.Context, form url.Values, headers http.Header, target any) error {
	settings := client.settings()
	endpoint, err := apiEndpoint(settings)
	if err != nil {
		return err
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("%w: build request: %v", ErrGatewayUnavailable, err)
	}
	request.Header.Set("Content-Type", formContentType)
	request.Header.Set("Accept", acceptJSON)
	request.Header.Set("X-Requested-With", requestedWithHeader)
	request.Header.Set("Origin", strings.TrimRight(baseURLOrDefault(settings.BaseURL), "/"))
	for key, values := range headers {
		for _, value := range values {
			request.Header.Add(key, value)
		}
	}
	for name, value := range map[string]string{
		cookieSessionID:   settings.SessionID,
		cookieDeviceToken: settings.DeviceToken,
		cookieTonToken:    settings.TonToken,
		cookieAuthToken:   settings.AuthToken,
	} {
		request.AddCookie(&http.Cookie{Name: name, Value: value})
	}

	response, err := client.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	defer response.Body.Close()

	body, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("%w: read response: %v", ErrGatewayUnavailable, err)
	}
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return fmt.Errorf("%w: status %d", ErrGatewayUnavailable, response.StatusCode)
	}
	if err := json.Unmarshal(body, target); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrGatewayUnavailable, err)
	}
	return nil
}

func apiEndpoint(settings Settings) (string, error) {
	base, err := url.Parse(strings.TrimRight(baseURLOrDefault(settings.BaseURL), "/") + apiPath)
	if err != nil {
		return "", fmt.Errorf("%w: base url: %v", ErrInvalidRequest, err)
	}
	query := base.Query()
	query.Set("hash", settings.APIHash)
	base.RawQuery = query.Encode()
	return base.String(), nil
}

func baseURLOrDefault(raw string) string {
	if strings.TrimSpace(raw) == "" {
		return defaultBaseURL
	}
	return strings.TrimSpace(raw)
}

func parseNano(raw json.RawMessage) (int64, error) {
	text := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	if text == "" {
		return 0, errors.New("missing amount")
	}
	amount, err := strconv.ParseInt(text, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("amount %q is not an integer", text)
	}
	return amount, nil
}

type searchRecipientResponse struct {
	Found *struct {
		Recipient string `json:"recipient"`
	} `json:"found"`
}

type initBuyResponse struct {
	RequestID string `json:"req_id"`
	Error     string `json:"error"`
}

type buyLinkResponse struct {
	OK          bool   `json:"ok"`
	Error       string `json:"error"`
	Transaction *struct {
		Messages []struct {
			Address string          `json:"address"`
			Amount  json.RawMessage `json:"amount"`
			Payload string          `json:"payload"`
		} `json:"messages"`
	} `json:"transaction"`
}
