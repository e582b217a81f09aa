package network

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/hashicorp/go-retryablehttp"
)

// ClientParams ...
type ClientParams struct {
	// BaseURL is the API root, the upload routes are under {BaseURL}/upload.
	BaseURL string
	// Token is sent as a bearer token when not empty.
	Token string
	// HTTPRetryMax is the number of transport level retries. 0 means a single attempt.
	HTTPRetryMax int
}

// Client is the HTTP upload service client.
type Client struct {
	httpClient  *retryablehttp.Client
	baseURL     string
	accessToken string
	logger      log.Logger
}

// NewClient ...
func NewClient(params ClientParams, logger log.Logger) (*Client, error) {
	if params.BaseURL == "" {
		return nil, fmt.Errorf("API base URL is empty")
	}
	if params.HTTPRetryMax < 0 {
		return nil, fmt.Errorf("HTTP retry count must not be negative")
	}

	httpClient := retryhttp.NewClient(logger)
	httpClient.RetryMax = params.HTTPRetryMax
	httpClient.CheckRetry = createCustomRetryFunction(logger)
	httpClient.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return newClient(httpClient, params.BaseURL, params.Token, logger), nil
}

func newClient(httpClient *retryablehttp.Client, baseURL, accessToken string, logger log.Logger) *Client {
	return &Client{
		httpClient:  httpClient,
		baseURL:     strings.TrimSuffix(baseURL, "/"),
		accessToken: accessToken,
		logger:      logger,
	}
}

// Init creates an upload session.
func (c *Client) Init(ctx context.Context, requestBody InitRequest) (InitResponse, error) {
	var response InitResponse
	if err := c.postJSON(ctx, fmt.Sprintf("%s/upload/init", c.baseURL), requestBody, &response); err != nil {
		return InitResponse{}, fmt.Errorf("init upload: %w", err)
	}
	if response.UploadID == "" {
		return InitResponse{}, fmt.Errorf("init upload: no upload ID in response")
	}
	return response, nil
}

// Status returns the chunks already stored for the session.
func (c *Client) Status(ctx context.Context, uploadID string) (StatusResponse, error) {
	apiURL := fmt.Sprintf("%s/upload/status?uploadId=%s", c.baseURL, url.QueryEscape(uploadID))

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		return StatusResponse{}, err
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return StatusResponse{}, fmt.Errorf("upload status: %w", err)
	}
	defer c.closeBody(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return StatusResponse{}, fmt.Errorf("upload status: %w", unwrapError(resp))
	}

	var response StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return StatusResponse{}, fmt.Errorf("decode status response: %w", err)
	}
	return response, nil
}

// PutChunk uploads a single chunk as a multipart form.
func (c *Client) PutChunk(ctx context.Context, chunk PutChunkRequest) error {
	body, contentType, err := chunkForm(chunk)
	if err != nil {
		return fmt.Errorf("create chunk form: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf("%s/upload/chunk", c.baseURL), body)
	if err != nil {
		return err
	}
	c.authorize(req)
	req.Header.Set("Content-Type", contentType)
	// retryablehttp doesn't set it for byte slice bodies
	req.ContentLength = int64(len(body))

	dump, err := httputil.DumpRequest(req.Request, false)
	if err != nil {
		c.logger.Warnf("error while dumping request: %s", err)
	}
	c.logger.Debugf("Chunk request dump: %s", string(dump))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("upload chunk %d: %w", chunk.ChunkIndex, err)
	}
	defer c.closeBody(resp.Body)

	dump, err = httputil.DumpResponse(resp, true)
	if err != nil {
		c.logger.Warnf("error while dumping response: %s", err)
	}
	c.logger.Debugf("Chunk response dump: %s", string(dump))

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("upload chunk %d: %w", chunk.ChunkIndex, unwrapError(resp))
	}
	return nil
}

// Complete asks the service to assemble the file and attach it to the room.
func (c *Client) Complete(ctx context.Context, requestBody CompleteRequest) (CompleteResponse, error) {
	var response CompleteResponse
	if err := c.postJSON(ctx, fmt.Sprintf("%s/upload/complete", c.baseURL), requestBody, &response); err != nil {
		return CompleteResponse{}, fmt.Errorf("complete upload: %w", err)
	}
	return response, nil
}

// Cleanup removes the service side leftovers of a completed session.
func (c *Client) Cleanup(ctx context.Context, uploadID string) error {
	apiURL := fmt.Sprintf("%s/upload/cleanup?uploadId=%s", c.baseURL, url.QueryEscape(uploadID))

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, apiURL, nil)
	if err != nil {
		return err
	}
	c.authorize(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("cleanup upload: %w", err)
	}
	defer c.closeBody(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("cleanup upload: %w", unwrapError(resp))
	}
	return nil
}

func (c *Client) postJSON(ctx context.Context, apiURL string, requestBody, response interface{}) error {
	body, err := json.Marshal(requestBody)
	if err != nil {
		return err
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, apiURL, body)
	if err != nil {
		return err
	}
	c.authorize(req)
	req.Header.Set("Content-Type", "application/json")

	dump, err := httputil.DumpRequest(req.Request, true)
	if err != nil {
		c.logger.Warnf("error while dumping request: %s", err)
	}
	c.logger.Debugf("Request dump: %s", string(dump))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer c.closeBody(resp.Body)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return unwrapError(resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(response); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) authorize(req *retryablehttp.Request) {
	if c.accessToken != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.accessToken))
	}
}

func (c *Client) closeBody(body io.ReadCloser) {
	if err := body.Close(); err != nil {
		c.logger.Printf(err.Error())
	}
}

func chunkForm(chunk PutChunkRequest) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	fields := [][2]string{
		{"uploadId", chunk.UploadID},
		{"chunkIndex", strconv.Itoa(chunk.ChunkIndex)},
		{"totalChunks", strconv.Itoa(chunk.TotalChunks)},
		{"filename", chunk.Filename},
	}
	if chunk.ChunkHash != "" {
		fields = append(fields, [2]string{"chunkHash", chunk.ChunkHash})
	}
	for _, f := range fields {
		if err := w.WriteField(f[0], f[1]); err != nil {
			return nil, "", err
		}
	}

	part, err := w.CreateFormFile("chunk", chunk.Filename)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(chunk.Data); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}

	return buf.Bytes(), w.FormDataContentType(), nil
}
