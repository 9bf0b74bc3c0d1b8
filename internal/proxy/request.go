package proxy

import (
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/offline-hub/internal/worker"
)

// BuildRequest 将 Fiber 请求转换为 worker.Request。URL 取自请求行（兼容
// absolute-form），否则由 Host 头补全，保证 worker 能判断同源。
func BuildRequest(c fiber.Ctx) (*worker.Request, error) {
	uri := c.Request().URI()
	scheme := string(uri.Scheme())
	if scheme == "" {
		scheme = "http"
	}
	host := string(uri.Host())
	if host == "" {
		host = string(c.Request().Header.Peek(fiber.HeaderHost))
	}
	target, err := url.Parse(scheme + "://" + host + string(uri.RequestURI()))
	if err != nil {
		return nil, err
	}

	header := fiberHeadersAsHTTP(c)
	mode := requestMode(c.Method(), header)
	return &worker.Request{
		Method:      c.Method(),
		URL:         target,
		Mode:        mode,
		Destination: requestDestination(mode, header, target.Path),
		Header:      header,
		Body:        append([]byte(nil), c.Body()...),
	}, nil
}

// requestMode 优先采用 Sec-Fetch-Mode；旧浏览器不发送该头时，
// 以 Accept 含 text/html 的 GET 视为导航。
func requestMode(method string, header http.Header) worker.Mode {
	switch strings.ToLower(strings.TrimSpace(header.Get("Sec-Fetch-Mode"))) {
	case "navigate":
		return worker.ModeNavigate
	case "cors":
		return worker.ModeCORS
	case "no-cors":
		return worker.ModeNoCORS
	case "same-origin":
		return worker.ModeSameOrigin
	}
	if method == http.MethodGet && acceptsHTML(header.Get(fiber.HeaderAccept)) {
		return worker.ModeNavigate
	}
	return worker.ModeNoCORS
}

func requestDestination(mode worker.Mode, header http.Header, p string) worker.Destination {
	dest := strings.ToLower(strings.TrimSpace(header.Get("Sec-Fetch-Dest")))
	if dest != "" && dest != "empty" {
		return worker.Destination(dest)
	}
	if mode == worker.ModeNavigate {
		return worker.DestinationDocument
	}
	if strings.HasPrefix(strings.ToLower(header.Get(fiber.HeaderAccept)), "image/") {
		return worker.DestinationImage
	}
	return worker.DestinationFor(p)
}

func acceptsHTML(accept string) bool {
	for _, part := range strings.Split(accept, ",") {
		mediaType, _, err := mime.ParseMediaType(strings.TrimSpace(part))
		if err == nil && mediaType == "text/html" {
			return true
		}
	}
	return false
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

// contentTypeFor 在缓存条目缺少 Content-Type 时按扩展名推断。
func contentTypeFor(p string) string {
	ext := path.Ext(p)
	if ext == "" {
		return ""
	}
	return mime.TypeByExtension(ext)
}
