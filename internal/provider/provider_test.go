package provider

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"payment-reconciler/internal/models"
	"payment-reconciler/internal/registry"
	"payment-reconciler/internal/resilience"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func noSleep(ctx context.Context, d time.Duration) error { return ctx.Err() }

func TestNormalizeMSISDN(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"0712345678", "254712345678", true},
		{"0112345678", "254112345678", true},
		{"+254712345678", "254712345678", true},
		{"254712345678", "254712345678", true},
		{"712345678", "254712345678", true},
		{"0712 345 678", "254712345678", true},
		{"071234567", "", false},
		{"0812345678", "", false},
		{"25471234567a", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		got, err := NormalizeMSISDN(tc.in)
		if !tc.ok {
			assert.ErrorIs(t, err, ErrInvalidMSISDN, tc.in)
			continue
		}
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}
}

type darajaServer struct {
	tokenCalls atomic.Int32
	lastPush   stkPushRequest
	pushStatus int
	pushBody   string
	queryBody  string
	queryCode  int
}

func (d *darajaServer) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/v1/generate", func(w http.ResponseWriter, r *http.Request) {
		d.tokenCalls.Add(1)
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "key", user)
		assert.Equal(t, "secret", pass)
		io.WriteString(w, `{"access_token":"tok","expires_in":"3599"}`)
	})
	mux.HandleFunc(stkPushPath, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&d.lastPush))
		w.WriteHeader(d.pushStatus)
		io.WriteString(w, d.pushBody)
	})
	mux.HandleFunc(stkQueryPath, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(d.queryCode)
		io.WriteString(w, d.queryBody)
	})
	return mux
}

func newTestDaraja(t *testing.T, d *darajaServer) *DarajaClient {
	srv := httptest.NewServer(d.handler(t))
	t.Cleanup(srv.Close)

	c := NewDarajaClient(DarajaConfig{
		BaseURL:        srv.URL,
		ConsumerKey:    "key",
		ConsumerSecret: "secret",
		ShortCode:      "174379",
		PassKey:        "pass",
		CallbackURL:    "https://shop.example/api/v1/payments/callback",
	})
	c.logger = zap.NewNop()
	c.now = func() time.Time { return time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC) }
	return c
}

func TestDarajaInitiatePush(t *testing.T) {
	d := &darajaServer{
		pushStatus: http.StatusOK,
		pushBody:   `{"MerchantRequestID":"29115-34620561-1","CheckoutRequestID":"ws_CO_191220191020363925","ResponseCode":"0","ResponseDescription":"Success. Request accepted for processing","CustomerMessage":"Success. Request accepted for processing"}`,
	}
	c := newTestDaraja(t, d)

	resp, err := c.InitiatePush(context.Background(), PushRequest{
		OrderID:        "O1",
		PayerReference: "254712345678",
		Amount:         1000,
	})
	require.NoError(t, err)
	assert.True(t, resp.Accepted())
	assert.Equal(t, "ws_CO_191220191020363925", resp.CheckoutRequestID)
	assert.Equal(t, "29115-34620561-1", resp.MerchantRequestID)

	// 09:30 UTC is 12:30 in Nairobi
	assert.Equal(t, "20240301123000", d.lastPush.Timestamp)
	wantPassword := base64.StdEncoding.EncodeToString([]byte("174379" + "pass" + "20240301123000"))
	assert.Equal(t, wantPassword, d.lastPush.Password)
	assert.Equal(t, "O1", d.lastPush.AccountReference)
	assert.Equal(t, int64(1000), d.lastPush.Amount)
	assert.Equal(t, "254712345678", d.lastPush.PartyA)
	assert.Equal(t, "174379", d.lastPush.PartyB)
	assert.Equal(t, "CustomerPayBillOnline", d.lastPush.TransactionType)

	_, err = c.InitiatePush(context.Background(), PushRequest{OrderID: "O2", PayerReference: "254712345678", Amount: 5})
	require.NoError(t, err)
	assert.Equal(t, int32(1), d.tokenCalls.Load(), "token is cached between requests")
}

func TestDarajaRejectionIsPermanent(t *testing.T) {
	d := &darajaServer{
		pushStatus: http.StatusBadRequest,
		pushBody:   `{"requestId":"r-1","errorCode":"400.002.02","errorMessage":"Bad Request - Invalid PhoneNumber"}`,
	}
	c := newTestDaraja(t, d)

	_, err := c.InitiatePush(context.Background(), PushRequest{OrderID: "O1", PayerReference: "254712345678", Amount: 10})
	require.Error(t, err)
	assert.True(t, resilience.IsPermanent(err))
	assert.Equal(t, "Bad Request - Invalid PhoneNumber", ErrorMessage(err))
}

func TestDarajaServerErrorIsRetryable(t *testing.T) {
	d := &darajaServer{pushStatus: http.StatusServiceUnavailable, pushBody: `upstream down`}
	c := newTestDaraja(t, d)

	_, err := c.InitiatePush(context.Background(), PushRequest{OrderID: "O1", PayerReference: "254712345678", Amount: 10})
	require.Error(t, err)
	assert.False(t, resilience.IsPermanent(err))

	var se *resilience.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusServiceUnavailable, se.StatusCode)
}

func TestDarajaQueryStatus(t *testing.T) {
	d := &darajaServer{
		queryCode: http.StatusOK,
		queryBody: `{"ResponseCode":"0","ResponseDescription":"The service request has been accepted successsfully","MerchantRequestID":"m-1","CheckoutRequestID":"ws_CO_1","ResultCode":"1032","ResultDesc":"Request cancelled by user"}`,
	}
	c := newTestDaraja(t, d)

	res, err := c.QueryStatus(context.Background(), "ws_CO_1")
	require.NoError(t, err)
	assert.False(t, res.Pending)
	assert.Equal(t, ResultCodeCancelled, res.ResultCode)
	assert.Equal(t, "Request cancelled by user", res.ResultDescription)
}

func TestDarajaQueryStatusStillProcessing(t *testing.T) {
	d := &darajaServer{
		queryCode: http.StatusInternalServerError,
		queryBody: `{"requestId":"r-2","errorCode":"500.001.1001","errorMessage":"The transaction is being processed"}`,
	}
	c := newTestDaraja(t, d)

	res, err := c.QueryStatus(context.Background(), "ws_CO_1")
	require.NoError(t, err)
	assert.True(t, res.Pending)
	assert.Equal(t, "ws_CO_1", res.CheckoutRequestID)
}

func TestParseCallbackSuccess(t *testing.T) {
	body := []byte(`{
		"Body": {
			"stkCallback": {
				"MerchantRequestID": "29115-34620561-1",
				"CheckoutRequestID": "ws_CO_191220191020363925",
				"ResultCode": 0,
				"ResultDesc": "The service request is processed successfully.",
				"CallbackMetadata": {
					"Item": [
						{"Name": "Amount", "Value": 1000.00},
						{"Name": "MpesaReceiptNumber", "Value": "NLJ7RT61SV"},
						{"Name": "Balance"},
						{"Name": "TransactionDate", "Value": 20191219102115},
						{"Name": "PhoneNumber", "Value": 254708374149}
					]
				}
			}
		}
	}`)

	n, err := ParseCallback(body)
	require.NoError(t, err)
	assert.True(t, n.Succeeded())
	assert.Equal(t, "ws_CO_191220191020363925", n.CheckoutRequestID)
	require.NotNil(t, n.Metadata)
	assert.Equal(t, int64(1000), n.Metadata.Amount)
	assert.Equal(t, "NLJ7RT61SV", n.Metadata.ReceiptNumber)
	assert.Equal(t, "20191219102115", n.Metadata.TransactionDate)
	assert.Equal(t, "254708374149", n.Metadata.PhoneNumber)
	assert.Zero(t, n.Metadata.Balance)
}

func TestParseCallbackFailure(t *testing.T) {
	body := []byte(`{"Body":{"stkCallback":{"MerchantRequestID":"m","CheckoutRequestID":"c","ResultCode":1032,"ResultDesc":"Request cancelled by user"}}}`)

	n, err := ParseCallback(body)
	require.NoError(t, err)
	assert.False(t, n.Succeeded())
	assert.Equal(t, 1032, n.ResultCode)
	assert.Nil(t, n.Metadata)
}

func TestParseCallbackMalformed(t *testing.T) {
	cases := map[string]string{
		"not json":          `{"Body":`,
		"no checkout id":    `{"Body":{"stkCallback":{"ResultCode":0}}}`,
		"fractional amount": `{"Body":{"stkCallback":{"CheckoutRequestID":"c","ResultCode":0,"CallbackMetadata":{"Item":[{"Name":"Amount","Value":10.5}]}}}}`,
		"negative amount":   `{"Body":{"stkCallback":{"CheckoutRequestID":"c","ResultCode":0,"CallbackMetadata":{"Item":[{"Name":"Amount","Value":-3}]}}}}`,
	}
	for name, body := range cases {
		_, err := ParseCallback([]byte(body))
		assert.ErrorIs(t, err, ErrMalformedCallback, name)
	}
}

func TestBuildCallbackParsesBack(t *testing.T) {
	n := models.CallbackNotification{
		MerchantRequestID: "m-1",
		CheckoutRequestID: "ws_CO_1",
		ResultCode:        0,
		ResultDescription: "ok",
		Metadata:          &models.CallbackMetadata{Amount: 250, ReceiptNumber: "R1", PhoneNumber: "254712345678"},
	}
	body, err := json.Marshal(BuildCallback(n))
	require.NoError(t, err)

	got, err := ParseCallback(body)
	require.NoError(t, err)
	assert.Equal(t, n, got)
}

func TestSimulatedClientIsDeterministic(t *testing.T) {
	cfg := SimulatedConfig{
		Seed:        42,
		Profile:     registry.ProfileFor(registry.QualityPoor),
		DeclineRate: 0.3,
	}
	run := func() []string {
		c := NewSimulatedClient(cfg, noSleep)
		c.logger = zap.NewNop()
		var out []string
		for i := 0; i < 40; i++ {
			resp, err := c.InitiatePush(context.Background(), PushRequest{OrderID: "O", PayerReference: "254712345678", Amount: 10})
			if err != nil {
				out = append(out, err.Error())
				continue
			}
			n, ok := c.Notification(resp.CheckoutRequestID)
			require.True(t, ok)
			out = append(out, n.ResultDescription)
		}
		return out
	}
	assert.Equal(t, run(), run())
}

func TestSimulatedClientLoss(t *testing.T) {
	c := NewSimulatedClient(SimulatedConfig{Seed: 1, Profile: registry.Profile{LossRate: 1}}, noSleep)
	c.logger = zap.NewNop()

	_, err := c.InitiatePush(context.Background(), PushRequest{OrderID: "O1", Amount: 10})
	assert.ErrorIs(t, err, ErrSimulatedLoss)
	assert.False(t, resilience.IsPermanent(err))
}

func TestSimulatedClientDeliversCallback(t *testing.T) {
	c := NewSimulatedClient(SimulatedConfig{Seed: 7}, noSleep)
	c.logger = zap.NewNop()

	received := make(chan models.CallbackNotification, 1)
	c.SetCallbackSink(func(ctx context.Context, n models.CallbackNotification) { received <- n })

	resp, err := c.InitiatePush(context.Background(), PushRequest{OrderID: "O1", PayerReference: "254712345678", Amount: 1000})
	require.NoError(t, err)

	select {
	case n := <-received:
		assert.Equal(t, resp.CheckoutRequestID, n.CheckoutRequestID)
		assert.True(t, n.Succeeded())
		require.NotNil(t, n.Metadata)
		assert.Equal(t, int64(1000), n.Metadata.Amount)
	case <-time.After(2 * time.Second):
		t.Fatal("callback not delivered")
	}

	res, err := c.QueryStatus(context.Background(), resp.CheckoutRequestID)
	require.NoError(t, err)
	assert.False(t, res.Pending)
	assert.Equal(t, ResultCodeSuccess, res.ResultCode)

	_, err = c.QueryStatus(context.Background(), "ws_CO_missing")
	assert.ErrorIs(t, err, ErrUnknownCheckout)
}
