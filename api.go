package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultHttpTimeout = 60 * time.Second
const defaultHttpConnectTimeout = 5 * time.Second
const defaultHttpTlsTimeout = 5 * time.Second

func defaultHttpClient() *http.Client {
	dialer := &net.Dialer{
		Timeout: defaultHttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: defaultHttpTlsTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   defaultHttpTimeout,
	}
}

type ClientConfig struct {
	ApiUrl    string
	ProjectId string
	Dataset   string
	// bearer token attached to api calls that need it
	Token string
	// when nil, a default client with explicit connect/tls timeouts is used
	HttpClient *http.Client
}

func (self *ClientConfig) Clone() *ClientConfig {
	config := *self
	return &config
}

// The outbound api surface. Wrappers (see `NewClientConcurrencyLimiter`)
// must preserve every operation and re-wrap clients returned by
// `WithConfig` and `Clone`.
type Client interface {
	Config() *ClientConfig
	WithConfig(config *ClientConfig) Client
	Clone() Client
	Request(ctx context.Context, method string, path string, query url.Values, args any, result any) error
	Mutate(ctx context.Context, transaction *Transaction) (*MutateResult, error)
	Query(ctx context.Context, queryExpression string) (*QueryResult, error)
}

type apiClient struct {
	config     *ClientConfig
	httpClient *http.Client
}

func NewClient(config *ClientConfig) Client {
	httpClient := config.HttpClient
	if httpClient == nil {
		httpClient = defaultHttpClient()
	}
	return &apiClient{
		config:     config,
		httpClient: httpClient,
	}
}

func (self *apiClient) Config() *ClientConfig {
	return self.config
}

func (self *apiClient) WithConfig(config *ClientConfig) Client {
	return NewClient(config)
}

func (self *apiClient) Clone() Client {
	return NewClient(self.config.Clone())
}

// a transaction is an atomic batch of mutations applied in one request
type Transaction struct {
	TransactionId string      `json:"transactionId,omitempty"`
	Mutations     []*Mutation `json:"mutations"`
}

type MutateResult struct {
	TransactionId string              `json:"transactionId"`
	Results       []*MutateResultItem `json:"results"`
}

type MutateResultItem struct {
	Id        string `json:"id"`
	Operation string `json:"operation"`
}

type QueryResult struct {
	Query  string          `json:"query,omitempty"`
	Result json.RawMessage `json:"result"`
	// false when the server can only serve a one-shot snapshot for this
	// query expression
	Listenable bool `json:"listenable,omitempty"`
}

func (self *apiClient) Mutate(ctx context.Context, transaction *Transaction) (*MutateResult, error) {
	result := &MutateResult{}
	path := fmt.Sprintf("/projects/%s/datasets/%s/mutate", self.config.ProjectId, self.config.Dataset)
	if err := self.Request(ctx, "POST", path, nil, transaction, result); err != nil {
		return nil, err
	}
	return result, nil
}

func (self *apiClient) Query(ctx context.Context, queryExpression string) (*QueryResult, error) {
	result := &QueryResult{}
	path := fmt.Sprintf("/projects/%s/datasets/%s/query", self.config.ProjectId, self.config.Dataset)
	query := url.Values{}
	query.Set("query", queryExpression)
	if err := self.Request(ctx, "GET", path, query, nil, result); err != nil {
		return nil, err
	}
	return result, nil
}

func (self *apiClient) Request(ctx context.Context, method string, path string, query url.Values, args any, result any) error {
	requestUrl := fmt.Sprintf("%s%s", self.config.ApiUrl, path)
	if 0 < len(query) {
		requestUrl = fmt.Sprintf("%s?%s", requestUrl, query.Encode())
	}

	var requestBody io.Reader
	if args != nil {
		requestBodyBytes, err := json.Marshal(args)
		if err != nil {
			return err
		}
		requestBody = bytes.NewReader(requestBodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, requestUrl, requestBody)
	if err != nil {
		return err
	}

	req.Header.Add("Content-Type", "application/json")
	if self.config.Token != "" {
		req.Header.Add("Authorization", fmt.Sprintf("Bearer %s", self.config.Token))
	}

	r, err := self.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)

	if http.StatusOK != r.StatusCode {
		// the response body is the error message
		errorMessage := strings.TrimSpace(string(responseBodyBytes))
		return errors.New(errorMessage)
	}
	if err != nil {
		return err
	}

	if result != nil {
		if err := json.Unmarshal(responseBodyBytes, result); err != nil {
			return err
		}
	}
	return nil
}

type apiCallback[R any] interface {
	Result(result R, err error)
}

// for internal use
type simpleApiCallback[R any] struct {
	callback func(result R, err error)
}

func NewApiCallback[R any](callback func(result R, err error)) apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: callback,
	}
}

func (self *simpleApiCallback[R]) Result(result R, err error) {
	self.callback(result, err)
}

type ApiCallbackResult[R any] struct {
	Result R
	Error  error
}

func NewBlockingApiCallback[R any]() (apiCallback[R], chan ApiCallbackResult[R]) {
	c := make(chan ApiCallbackResult[R], 1)
	callback := NewApiCallback[R](func(result R, err error) {
		c <- ApiCallbackResult[R]{
			Result: result,
			Error:  err,
		}
	})
	return callback, c
}

// MutateAsync runs the mutation off the calling goroutine and delivers the
// result on the callback.
func MutateAsync(ctx context.Context, client Client, transaction *Transaction, callback apiCallback[*MutateResult]) {
	go func() {
		result, err := client.Mutate(ctx, transaction)
		callback.Result(result, err)
	}()
}

// NewClientConcurrencyLimiter returns a wrapper that bounds the number of
// concurrently in-flight operations against one backend across every client
// produced by the same wrapper, including clients derived via `WithConfig`
// and `Clone`.
func NewClientConcurrencyLimiter(max int) func(Client) Client {
	limiter := NewLimiter(max)
	var wrap func(Client) Client
	wrap = func(client Client) Client {
		return &limitedClient{
			client:  client,
			limiter: limiter,
			wrap:    wrap,
		}
	}
	return wrap
}

type limitedClient struct {
	client  Client
	limiter *Limiter
	wrap    func(Client) Client
}

func (self *limitedClient) Config() *ClientConfig {
	return self.client.Config()
}

func (self *limitedClient) WithConfig(config *ClientConfig) Client {
	return self.wrap(self.client.WithConfig(config))
}

func (self *limitedClient) Clone() Client {
	return self.wrap(self.client.Clone())
}

func (self *limitedClient) Request(ctx context.Context, method string, path string, query url.Values, args any, result any) error {
	if err := self.limiter.Ready(ctx); err != nil {
		return err
	}
	defer self.limiter.Release()
	return self.client.Request(ctx, method, path, query, args, result)
}

func (self *limitedClient) Mutate(ctx context.Context, transaction *Transaction) (*MutateResult, error) {
	if err := self.limiter.Ready(ctx); err != nil {
		return nil, err
	}
	defer self.limiter.Release()
	return self.client.Mutate(ctx, transaction)
}

func (self *limitedClient) Query(ctx context.Context, queryExpression string) (*QueryResult, error) {
	if err := self.limiter.Ready(ctx); err != nil {
		return nil, err
	}
	defer self.limiter.Release()
	return self.client.Query(ctx, queryExpression)
}
