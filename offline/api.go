package offline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

func DefaultHttpTransportSettings() *HttpTransportSettings {
	return &HttpTransportSettings{
		HttpTimeout:        60 * time.Second,
		HttpConnectTimeout: 5 * time.Second,
		HttpTlsTimeout:     5 * time.Second,
	}
}

type HttpTransportSettings struct {
	HttpTimeout        time.Duration
	HttpConnectTimeout time.Duration
	HttpTlsTimeout     time.Duration
}

func (self *HttpTransportSettings) client() *http.Client {
	// see https://medium.com/@nate510/don-t-use-go-s-default-http-client-4804cb19f779
	dialer := &net.Dialer{
		Timeout: self.HttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: self.HttpTlsTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   self.HttpTimeout,
	}
}

// posts each command as json to `<apiUrl>/<command>`
type HttpTransport struct {
	apiUrl string
	// identifies this process to the remote across requests
	clientId string

	client *http.Client
}

func NewHttpTransportWithDefaults(apiUrl string) *HttpTransport {
	return NewHttpTransport(apiUrl, DefaultHttpTransportSettings())
}

func NewHttpTransport(apiUrl string, settings *HttpTransportSettings) *HttpTransport {
	return &HttpTransport{
		apiUrl:   strings.TrimSuffix(apiUrl, "/"),
		clientId: uuid.NewString(),
		client:   settings.client(),
	}
}

func (self *HttpTransport) ClientId() string {
	return self.clientId
}

func (self *HttpTransport) Send(ctx context.Context, request *Request) (ResponsePayload, error) {
	header := http.Header{}
	header.Add("X-Request-Id", request.RequestId.String())
	header.Add("X-Client-Id", self.clientId)
	// a nil map would post `null`
	parameters := request.Parameters
	if parameters == nil {
		parameters = Parameters{}
	}
	return post(
		ctx,
		self.client,
		fmt.Sprintf("%s/%s", self.apiUrl, request.Command),
		parameters,
		request.AuthToken,
		header,
		ResponsePayload{},
	)
}

func post[R any](ctx context.Context, client *http.Client, url string, args any, authToken string, header http.Header, result R) (R, error) {
	var empty R

	var requestBodyBytes []byte
	if args == nil {
		requestBodyBytes = []byte("{}")
	} else {
		var err error
		requestBodyBytes, err = json.Marshal(args)
		if err != nil {
			return empty, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(requestBodyBytes))
	if err != nil {
		return empty, err
	}

	req.Header.Add("Content-Type", "text/json")
	for key, values := range header {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}

	if authToken != "" {
		auth := fmt.Sprintf("Bearer %s", authToken)
		req.Header.Add("Authorization", auth)
	}

	r, err := client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return empty, ctxErr
		}
		return empty, fmt.Errorf("%w: %s", ErrNetworkUnavailable, err)
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return empty, ctxErr
		}
		return empty, fmt.Errorf("%w: %s", ErrNetworkUnavailable, err)
	}

	switch {
	case r.StatusCode == http.StatusOK:
	case r.StatusCode == http.StatusBadGateway,
		r.StatusCode == http.StatusServiceUnavailable,
		r.StatusCode == http.StatusGatewayTimeout:
		// the remote is not reachable behind its proxy
		return empty, fmt.Errorf("%w: status %d", ErrNetworkUnavailable, r.StatusCode)
	default:
		// the response body is the error message
		errorMessage := strings.TrimSpace(string(responseBodyBytes))
		return empty, &RemoteRejectedError{
			Code:    r.StatusCode,
			Message: errorMessage,
		}
	}

	err = json.Unmarshal(responseBodyBytes, &result)
	if err != nil {
		return empty, &MalformedResponseError{Err: err}
	}

	return result, nil
}
