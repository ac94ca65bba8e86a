package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const dingTalkEndpoint = "https://oapi.dingtalk.com/robot/send?access_token="

// DingTalkClient posts plain-text messages to a DingTalk robot webhook.
// The per-chat webhook value is the robot access token.
type DingTalkClient struct {
	http *http.Client
}

func NewDingTalkClient(timeout time.Duration) *DingTalkClient {
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	return &DingTalkClient{http: &http.Client{Timeout: timeout}}
}

func (c *DingTalkClient) SendText(ctx context.Context, token, text string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil
	}

	payload := map[string]any{
		"msgtype": "text",
		"text":    map[string]string{"content": text},
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, dingTalkEndpoint+token, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var out struct {
		ErrCode int    `json:"errcode"`
		ErrMsg  string `json:"errmsg"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	if resp.StatusCode/100 != 2 || out.ErrCode != 0 {
		return fmt.Errorf("dingtalk send failed: http=%d errcode=%d %s",
			resp.StatusCode, out.ErrCode, out.ErrMsg)
	}
	return nil
}
