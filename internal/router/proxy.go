package router

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/tiler/proxy-balancer/internal/apperr"
)

// proxyRequest forwards the inbound fiber request verbatim (method,
// headers, body) to targetURL using client, then streams the worker's
// response back. Fiber sits on fasthttp rather than net/http, so unlike a
// net/http-native proxy there's no httputil.ReverseProxy to mount directly;
// forwarding is done by hand through the worker's persistent *http.Client
// (§4.2, §5 "one persistent client per worker port").
func proxyRequest(c *fiber.Ctx, client *http.Client, targetURL string) error {
	req, err := http.NewRequest(c.Method(), targetURL, bytes.NewReader(c.Body()))
	if err != nil {
		return apperr.Internal(c, err.Error())
	}
	c.Request().Header.VisitAll(func(k, v []byte) {
		req.Header.Add(string(k), string(v))
	})

	resp, err := client.Do(req)
	if err != nil {
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return apperr.Timeout(c, fmt.Sprintf("worker did not respond within %v: %v", client.Timeout, err))
		}
		return apperr.Internal(c, err.Error())
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return apperr.Internal(c, err.Error())
	}

	for k, vs := range resp.Header {
		for _, v := range vs {
			c.Set(k, v)
		}
	}
	return c.Status(resp.StatusCode).Send(body)
}

// fireRequest issues a fire-and-wait request (used by fan-out paths that
// only need the error/success outcome, not the body) and reports whether
// it failed.
func fireRequest(client *http.Client, method, url string, body []byte, headers http.Header) error {
	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("status %d from %s", resp.StatusCode, url)
	}
	return nil
}

func cloneHeaders(c *fiber.Ctx) http.Header {
	h := make(http.Header)
	c.Request().Header.VisitAll(func(k, v []byte) {
		h.Add(string(k), string(v))
	})
	return h
}
