package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"payment-reconciler/internal/resilience"
	"payment-reconciler/internal/util"

	"go.uber.org/zap"
)

const (
	tokenPath     = "/oauth/v1/generate?grant_type=client_credentials"
	stkPushPath   = "/mpesa/stkpush/v1/processrequest"
	stkQueryPath  = "/mpesa/stkpushquery/v1/query"
	timestampForm = "20060102150405"

	// errorCodeProcessing is returned by the query endpoint while the payer has not answered yet
	errorCodeProcessing = "500.001.1001"
)

// DarajaConfig configures the STK push client
type DarajaConfig struct {
	BaseURL         string
	ConsumerKey     string
	ConsumerSecret  string
	ShortCode       string
	PassKey         string
	CallbackURL     string
	TransactionType string
	Timeout         time.Duration
}

// DarajaClient implements Client against the Daraja STK push API
type DarajaClient struct {
	cfg        DarajaConfig
	httpClient *http.Client
	now        func() time.Time
	location   *time.Location
	logger     *zap.Logger

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

// NewDarajaClient creates a new Daraja client
func NewDarajaClient(cfg DarajaConfig) *DarajaClient {
	if cfg.TransactionType == "" {
		cfg.TransactionType = "CustomerPayBillOnline"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	return &DarajaClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		now:      time.Now,
		location: time.FixedZone("EAT", 3*60*60),
		logger:   util.GetLogger(),
	}
}

// ---- Daraja API request/response structs ----

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   string `json:"expires_in"`
}

type stkPushRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            int64  `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

type stkPushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
}

type stkQueryRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
}

type stkQueryResponse struct {
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResultCode          string `json:"ResultCode"`
	ResultDesc          string `json:"ResultDesc"`
}

type apiError struct {
	RequestID    string `json:"requestId"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

// ---- Client implementation ----

// InitiatePush sends an STK push prompt
func (c *DarajaClient) InitiatePush(ctx context.Context, req PushRequest) (*PushResponse, error) {
	ctx, span := util.StartSpan(ctx, "DarajaClient.InitiatePush")
	defer span.End()

	password, timestamp := c.password()
	desc := req.Description
	if desc == "" {
		desc = "Payment for order " + req.OrderID
	}

	body := stkPushRequest{
		BusinessShortCode: c.cfg.ShortCode,
		Password:          password,
		Timestamp:         timestamp,
		TransactionType:   c.cfg.TransactionType,
		Amount:            req.Amount,
		PartyA:            req.PayerReference,
		PartyB:            c.cfg.ShortCode,
		PhoneNumber:       req.PayerReference,
		CallBackURL:       c.cfg.CallbackURL,
		AccountReference:  req.OrderID,
		TransactionDesc:   desc,
	}

	var resp stkPushResponse
	if err := c.doRequest(ctx, stkPushPath, body, &resp); err != nil {
		return nil, fmt.Errorf("daraja InitiatePush: %w", err)
	}

	return &PushResponse{
		MerchantRequestID:   resp.MerchantRequestID,
		CheckoutRequestID:   resp.CheckoutRequestID,
		ResponseCode:        resp.ResponseCode,
		ResponseDescription: resp.ResponseDescription,
		CustomerMessage:     resp.CustomerMessage,
	}, nil
}

// QueryStatus runs an STK push query
func (c *DarajaClient) QueryStatus(ctx context.Context, checkoutRequestID string) (*StatusResult, error) {
	ctx, span := util.StartSpan(ctx, "DarajaClient.QueryStatus")
	defer span.End()

	password, timestamp := c.password()
	body := stkQueryRequest{
		BusinessShortCode: c.cfg.ShortCode,
		Password:          password,
		Timestamp:         timestamp,
		CheckoutRequestID: checkoutRequestID,
	}

	var resp stkQueryResponse
	err := c.doRequest(ctx, stkQueryPath, body, &resp)
	if err != nil {
		if isProcessing(err) {
			return &StatusResult{CheckoutRequestID: checkoutRequestID, Pending: true}, nil
		}
		return nil, fmt.Errorf("daraja QueryStatus: %w", err)
	}

	code, err := strconv.Atoi(resp.ResultCode)
	if err != nil {
		return nil, resilience.Permanent(fmt.Errorf("daraja QueryStatus: invalid result code %q", resp.ResultCode))
	}

	return &StatusResult{
		MerchantRequestID: resp.MerchantRequestID,
		CheckoutRequestID: resp.CheckoutRequestID,
		ResultCode:        code,
		ResultDescription: resp.ResultDesc,
	}, nil
}

// password returns base64(shortcode + passkey + timestamp) and the timestamp used
func (c *DarajaClient) password() (string, string) {
	timestamp := c.now().In(c.location).Format(timestampForm)
	raw := c.cfg.ShortCode + c.cfg.PassKey + timestamp
	return base64.StdEncoding.EncodeToString([]byte(raw)), timestamp
}

// accessToken returns a cached OAuth token, fetching a new one shortly before expiry
func (c *DarajaClient) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && c.now().Before(c.tokenExpiry) {
		return c.token, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+tokenPath, nil)
	if err != nil {
		return "", resilience.Permanent(fmt.Errorf("create token request: %w", err))
	}
	req.SetBasicAuth(c.cfg.ConsumerKey, c.cfg.ConsumerSecret)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	respBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read token response: %w", err)
	}
	if err := resilience.ClassifyStatus(resp.StatusCode, string(respBytes)); err != nil {
		return "", fmt.Errorf("token request: %w", err)
	}

	var tr tokenResponse
	if err := json.Unmarshal(respBytes, &tr); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}

	ttl, err := strconv.Atoi(tr.ExpiresIn)
	if err != nil || ttl <= 0 {
		ttl = 3599
	}
	c.token = tr.AccessToken
	c.tokenExpiry = c.now().Add(time.Duration(ttl)*time.Second - time.Minute)
	return c.token, nil
}

// ---- HTTP helper ----

func (c *DarajaClient) doRequest(ctx context.Context, path string, body interface{}, out interface{}) error {
	token, err := c.accessToken(ctx)
	if err != nil {
		return err
	}

	b, err := json.Marshal(body)
	if err != nil {
		return resilience.Permanent(fmt.Errorf("marshal request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(b))
	if err != nil {
		return resilience.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http do: %w", err)
	}
	defer resp.Body.Close()

	respBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		c.mu.Lock()
		c.token = ""
		c.mu.Unlock()
	}

	if err := resilience.ClassifyStatus(resp.StatusCode, string(respBytes)); err != nil {
		c.logger.Debug("Provider returned error status",
			zap.String("path", path),
			zap.Int("status", resp.StatusCode))
		return err
	}

	if err := json.Unmarshal(respBytes, out); err != nil {
		return resilience.Permanent(fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func isProcessing(err error) bool {
	ae, ok := decodeAPIError(err)
	return ok && ae.ErrorCode == errorCodeProcessing
}

func decodeAPIError(err error) (apiError, bool) {
	var ae apiError
	var se *resilience.StatusError
	if !errors.As(err, &se) {
		return ae, false
	}
	if json.Unmarshal([]byte(se.Body), &ae) != nil || ae.ErrorCode == "" {
		return ae, false
	}
	return ae, true
}

// ErrorMessage extracts the provider's human-readable message from an error
// response, falling back to err.Error().
func ErrorMessage(err error) string {
	if ae, ok := decodeAPIError(err); ok && ae.ErrorMessage != "" {
		return ae.ErrorMessage
	}
	return err.Error()
}
