package main

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
)

func httpPost(url string) ([]byte, error) {
	return httpPostBody(url, nil)
}

func httpPostBody(url string, body []byte) ([]byte, error) {
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("devproxy returned %s: %s", resp.Status, string(data))
	}
	return data, nil
}
