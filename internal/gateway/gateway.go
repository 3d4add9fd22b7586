package gateway

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"BananaPay/internal/models"
	"BananaPay/internal/signature"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"
)

const (
	MethodPagePay = "alipay.trade.page.pay"
	MethodQuery   = "alipay.trade.query"

	codeSuccess       = "10000"
	subCodeNotExist   = "ACQ.TRADE_NOT_EXIST"
	queryResponseKey  = "alipay_trade_query_response"
	gatewayTimeLayout = "2006-01-02 15:04:05"
)

// Trade statuses reported by the gateway.
const (
	TradeWaitBuyerPay = "WAIT_BUYER_PAY"
	TradeSuccess      = "TRADE_SUCCESS"
	TradeClosed       = "TRADE_CLOSED"
	TradeFinished     = "TRADE_FINISHED"
)

var (
	ErrTransientTransport = errors.New("gateway transport failure")
	ErrResponseSignature  = errors.New("gateway response signature invalid")
	ErrMalformedResponse  = errors.New("gateway response malformed")
	ErrRejected           = errors.New("gateway rejected request")
)

// Gateway timestamps are wall clock in China Standard Time.
var gatewayZone = time.FixedZone("CST", 8*60*60)

// Port is what the payment flow needs from the gateway. Tests swap in a fake.
type Port interface {
	BuildPaymentRequest(ctx context.Context, order *models.Order) (*PaymentRequest, error)
	VerifyInbound(params map[string]string) bool
	Query(ctx context.Context, outTradeNo string) (*QueryResult, error)
}

type PaymentMethod string

const (
	MethodRedirect PaymentMethod = "redirect"
	MethodForm     PaymentMethod = "form"
)

// PaymentRequest is a signed request the browser carries to the gateway,
// either as a GET redirect or an auto-submitting POST form.
type PaymentRequest struct {
	Method      PaymentMethod
	RedirectURL string
	FormHTML    string
	Params      map[string]string
}

type QueryResult struct {
	TradeNo     string
	TradeStatus string
	TotalAmount string
	NotFound    bool
	Raw         string
}

type Options struct {
	AppID       string
	Endpoint    string
	Method      PaymentMethod
	PrivateKey  *rsa.PrivateKey
	GatewayKey  *rsa.PublicKey
	NotifyURL   string
	ReturnURL   string
	ProductCode string
	Subject     string
	OrderTTL    time.Duration
	Timeout     time.Duration
	MaxAttempts int
	QueryRPS    int
	Logger      *slog.Logger
}

type Client struct {
	opts    Options
	http    *resty.Client
	limiter *rate.Limiter
	logger  *slog.Logger
	now     func() time.Time
}

func New(opts Options) *Client {
	if opts.Method == "" {
		opts.Method = MethodRedirect
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	if opts.QueryRPS <= 0 {
		opts.QueryRPS = 10
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	httpClient := resty.New()
	httpClient.SetTimeout(opts.Timeout)
	httpClient.SetRetryCount(opts.MaxAttempts - 1)
	httpClient.SetRetryWaitTime(200 * time.Millisecond)
	httpClient.SetRetryMaxWaitTime(2 * time.Second)
	httpClient.AddRetryCondition(func(r *resty.Response, err error) bool {
		return err != nil || r.StatusCode() >= 500
	})

	return &Client{
		opts:    opts,
		http:    httpClient,
		limiter: rate.NewLimiter(rate.Limit(opts.QueryRPS), opts.QueryRPS),
		logger:  logger,
		now:     time.Now,
	}
}

type bizContent struct {
	OutTradeNo     string `json:"out_trade_no"`
	TotalAmount    string `json:"total_amount,omitempty"`
	Subject        string `json:"subject,omitempty"`
	ProductCode    string `json:"product_code,omitempty"`
	TimeoutExpress string `json:"timeout_express,omitempty"`
}

func (c *Client) commonParams(method string, biz bizContent) (map[string]string, error) {
	content, err := json.Marshal(biz)
	if err != nil {
		return nil, err
	}
	return map[string]string{
		"app_id":      c.opts.AppID,
		"method":      method,
		"format":      "JSON",
		"charset":     "utf-8",
		"sign_type":   signature.SignTypeRSA2,
		"timestamp":   c.now().In(gatewayZone).Format(gatewayTimeLayout),
		"version":     "1.0",
		"biz_content": string(content),
	}, nil
}

func (c *Client) sign(params map[string]string) error {
	sig, err := signature.Sign(signature.Canonicalize(params), c.opts.PrivateKey)
	if err != nil {
		return err
	}
	params["sign"] = sig
	return nil
}

// BuildPaymentRequest signs a page-pay request for order. It has no side
// effects; the caller decides when the order starts awaiting notification.
func (c *Client) BuildPaymentRequest(ctx context.Context, order *models.Order) (*PaymentRequest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	biz := bizContent{
		OutTradeNo:  order.OrderID,
		TotalAmount: order.Amount.StringFixed(2),
		Subject:     c.opts.Subject,
		ProductCode: c.opts.ProductCode,
	}
	if c.opts.OrderTTL > 0 {
		biz.TimeoutExpress = strconv.Itoa(int(c.opts.OrderTTL.Minutes())) + "m"
	}
	params, err := c.commonParams(MethodPagePay, biz)
	if err != nil {
		return nil, err
	}
	if c.opts.NotifyURL != "" {
		params["notify_url"] = c.opts.NotifyURL
	}
	if c.opts.ReturnURL != "" {
		params["return_url"] = c.opts.ReturnURL
	}
	if err := c.sign(params); err != nil {
		return nil, err
	}

	req := &PaymentRequest{Method: c.opts.Method, Params: params}
	switch c.opts.Method {
	case MethodForm:
		html, err := renderForm(c.opts.Endpoint, params)
		if err != nil {
			return nil, err
		}
		req.FormHTML = html
	default:
		req.RedirectURL = c.opts.Endpoint + "?" + toValues(params).Encode()
	}
	return req, nil
}

// VerifyInbound checks a notification's signature against the gateway key and,
// when the payload names an app, that it is ours.
func (c *Client) VerifyInbound(params map[string]string) bool {
	if appID, ok := params["app_id"]; ok && appID != c.opts.AppID {
		return false
	}
	return signature.Verify(params, params["sign"], c.opts.GatewayKey)
}

type queryEnvelope struct {
	Response json.RawMessage `json:"alipay_trade_query_response"`
	Sign     string          `json:"sign"`
}

type queryResponse struct {
	Code        string `json:"code"`
	Msg         string `json:"msg"`
	SubCode     string `json:"sub_code"`
	SubMsg      string `json:"sub_msg"`
	TradeNo     string `json:"trade_no"`
	OutTradeNo  string `json:"out_trade_no"`
	TradeStatus string `json:"trade_status"`
	TotalAmount string `json:"total_amount"`
}

// Query asks the gateway for the trade behind outTradeNo. Only transport
// failures and 5xx answers are retried; they surface as ErrTransientTransport.
func (c *Client) Query(ctx context.Context, outTradeNo string) (*QueryResult, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	params, err := c.commonParams(MethodQuery, bizContent{OutTradeNo: outTradeNo})
	if err != nil {
		return nil, err
	}
	if err := c.sign(params); err != nil {
		return nil, err
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetFormData(params).
		Post(c.opts.Endpoint)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: %v", ErrTransientTransport, err)
	}
	if resp.StatusCode() >= 500 {
		return nil, fmt.Errorf("%w: status %d", ErrTransientTransport, resp.StatusCode())
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("%w: status %d", ErrRejected, resp.StatusCode())
	}
	return c.parseQuery(resp.Body(), outTradeNo)
}

func (c *Client) parseQuery(body []byte, outTradeNo string) (*QueryResult, error) {
	var env queryEnvelope
	if err := json.Unmarshal(body, &env); err != nil || len(env.Response) == 0 {
		return nil, fmt.Errorf("%w: missing %s", ErrMalformedResponse, queryResponseKey)
	}
	if !signature.VerifyBytes(env.Response, env.Sign, c.opts.GatewayKey) {
		return nil, ErrResponseSignature
	}

	var r queryResponse
	if err := json.Unmarshal(env.Response, &r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	raw := string(env.Response)

	if r.Code != codeSuccess {
		if r.SubCode == subCodeNotExist {
			return &QueryResult{NotFound: true, Raw: raw}, nil
		}
		return nil, fmt.Errorf("%w: %s %s", ErrRejected, r.Code, r.SubCode)
	}
	if r.OutTradeNo != "" && r.OutTradeNo != outTradeNo {
		return nil, fmt.Errorf("%w: answer for %s", ErrMalformedResponse, r.OutTradeNo)
	}
	return &QueryResult{
		TradeNo:     r.TradeNo,
		TradeStatus: r.TradeStatus,
		TotalAmount: r.TotalAmount,
		Raw:         raw,
	}, nil
}

func toValues(params map[string]string) url.Values {
	v := url.Values{}
	for k, val := range params {
		v.Set(k, val)
	}
	return v
}

var formTemplate = template.Must(template.New("pay").Parse(
	`<form id="gateway-pay" name="gateway-pay" action="{{.Action}}" method="POST">` +
		`{{range $k, $v := .Fields}}<input type="hidden" name="{{$k}}" value="{{$v}}">{{end}}` +
		`<input type="submit" value="Pay" style="display:none"></form>` +
		`<script>document.forms["gateway-pay"].submit();</script>`))

func renderForm(endpoint string, params map[string]string) (string, error) {
	action := endpoint + "?charset=utf-8"
	var buf bytes.Buffer
	if err := formTemplate.Execute(&buf, struct {
		Action string
		Fields map[string]string
	}{Action: action, Fields: params}); err != nil {
		return "", err
	}
	return buf.String(), nil
}
