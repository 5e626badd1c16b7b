package scoring

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// Client 外部图片评分服务客户端
// 评分服务是黑盒：超时或出错只影响评分字段，协议路径照常推进
type Client struct {
	http   *resty.Client
	logger *zap.Logger
}

type scoreRequest struct {
	BlobRef string `json:"blob_ref"`
}

type scoreResponse struct {
	Score   float64 `json:"score"`
	Message string  `json:"message,omitempty"`
}

// NewClient 创建评分服务客户端
func NewClient(baseURL string, logger *zap.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(15 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(1 * time.Second).
		SetHeader("Content-Type", "application/json")

	return &Client{
		http:   httpClient,
		logger: logger,
	}
}

// Score 请求对指定图片评分
func (c *Client) Score(ctx context.Context, blobRef string) (float64, error) {
	var result scoreResponse

	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(scoreRequest{BlobRef: blobRef}).
		SetResult(&result).
		Post("/api/v1/score")
	if err != nil {
		return 0, fmt.Errorf("scoring request failed: %w", err)
	}
	if resp.IsError() {
		return 0, fmt.Errorf("scoring service returned %d: %s", resp.StatusCode(), resp.String())
	}

	c.logger.Debug("Image scored",
		zap.String("blob_ref", blobRef),
		zap.Float64("score", result.Score),
	)
	return result.Score, nil
}
