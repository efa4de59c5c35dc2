package sigclient

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Transport is one live duplex connection carrying whole frames.
type Transport interface {
	ReadFrame() ([]byte, error)
	WriteFrame(data []byte, binary bool) error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, endpoint string) (Transport, error)
}

type DialerFunc func(ctx context.Context, endpoint string) (Transport, error)

func (f DialerFunc) Dial(ctx context.Context, endpoint string) (Transport, error) {
	return f(ctx, endpoint)
}

const (
	defaultProxyHandshakeTimeout = 45 * time.Second
	defaultProxyConnectTimeout   = 10 * time.Second
	defaultProxyReadWriteTimeout = 30 * time.Second

	defaultWriteTimeout = 5 * time.Second
)

type ProxyOptions struct {
	URL      string `json:"url,omitempty" yaml:"url,omitempty"`
	Username string `json:"username,omitempty" yaml:"username,omitempty"`
	Password string `json:"password,omitempty" yaml:"password,omitempty"`

	HandshakeTimeout time.Duration `json:"handshake_timeout,omitempty" yaml:"handshake_timeout,omitempty"`
	ConnectTimeout   time.Duration `json:"connect_timeout,omitempty" yaml:"connect_timeout,omitempty"`
	ReadWriteTimeout time.Duration `json:"read_write_timeout,omitempty" yaml:"read_write_timeout,omitempty"`
}

func (p ProxyOptions) Validate() error {
	if p.URL == "" {
		return nil
	}
	u, err := url.Parse(p.URL)
	if err != nil {
		return fmt.Errorf("invalid proxy URL: %v", err)
	}
	if u.User != nil {
		return errors.New("proxy URL must not contain credentials")
	}
	if (p.Username == "") != (p.Password == "") {
		return errors.New("proxy authentication requires both username and password")
	}
	return nil
}

func (p *ProxyOptions) normalize() {
	if p.HandshakeTimeout == 0 {
		p.HandshakeTimeout = defaultProxyHandshakeTimeout
	}
	if p.ConnectTimeout == 0 {
		p.ConnectTimeout = defaultProxyConnectTimeout
	}
	if p.ReadWriteTimeout == 0 {
		p.ReadWriteTimeout = defaultProxyReadWriteTimeout
	}
}

// WebsocketDialer opens websocket transports, optionally tunnelled through
// an HTTP CONNECT proxy.
type WebsocketDialer struct {
	Header       http.Header
	WriteTimeout time.Duration

	dialer *websocket.Dialer
}

func NewWebsocketDialer(proxy ProxyOptions) (*WebsocketDialer, error) {
	d, err := createProxyDialer(proxy)
	if err != nil {
		return nil, err
	}
	return &WebsocketDialer{
		WriteTimeout: defaultWriteTimeout,
		dialer:       d,
	}, nil
}

func (d *WebsocketDialer) Dial(ctx context.Context, endpoint string) (Transport, error) {
	conn, _, err := d.dialer.DialContext(ctx, endpoint, d.Header)
	if err != nil {
		return nil, err
	}
	return &wsTransport{
		conn:         conn,
		writeTimeout: d.WriteTimeout,
	}, nil
}

type wsTransport struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	writeMutex   sync.Mutex
}

func (t *wsTransport) ReadFrame() ([]byte, error) {
	_, p, err := t.conn.ReadMessage()
	return p, err
}

func (t *wsTransport) WriteFrame(data []byte, binary bool) error {
	t.writeMutex.Lock()
	defer t.writeMutex.Unlock()
	if t.writeTimeout > 0 {
		t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	}
	mt := websocket.TextMessage
	if binary {
		mt = websocket.BinaryMessage
	}
	return t.conn.WriteMessage(mt, data)
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}

func createProxyDialer(p ProxyOptions) (*websocket.Dialer, error) {
	if p.URL == "" {
		return websocket.DefaultDialer, nil
	}
	proxyURL, err := url.Parse(p.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy URL: %v", err)
	}
	p.normalize()

	return &websocket.Dialer{
		HandshakeTimeout: p.HandshakeTimeout,
		TLSClientConfig:  &tls.Config{},
		NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return dialThroughProxy(ctx, proxyURL, p, network, addr)
		},
	}, nil
}

func dialThroughProxy(ctx context.Context, proxyURL *url.URL, p ProxyOptions, network, addr string) (net.Conn, error) {
	d := net.Dialer{Timeout: p.ConnectTimeout}
	conn, err := d.DialContext(ctx, network, proxyURL.Host)
	if err != nil {
		return nil, fmt.Errorf("proxy dial: %w", err)
	}
	conn.SetDeadline(time.Now().Add(p.ReadWriteTimeout))

	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: addr},
		Host:   addr,
		Header: make(http.Header),
	}
	if p.Username != "" {
		auth := base64.StdEncoding.EncodeToString([]byte(p.Username + ":" + p.Password))
		req.Header.Set("Proxy-Authorization", "Basic "+auth)
	}
	if err := req.Write(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("proxy CONNECT: %w", err)
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("proxy CONNECT response: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		conn.Close()
		return nil, fmt.Errorf("proxy returned status %d", resp.StatusCode)
	}

	conn.SetDeadline(time.Time{})
	if br.Buffered() > 0 {
		return &bufferedConn{Conn: conn, r: br}, nil
	}
	return conn, nil
}

// bufferedConn keeps bytes the proxy sent right after its CONNECT response.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}
