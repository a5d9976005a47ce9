package twitch

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"html/template"
	"math/big"
	"net"
	"net/http"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/you/gnasty-hub/internal/logging"
)

const (
	callbackRequestTimeout = 2 * time.Second
	defaultCallbackPort    = 3000
	portSearchLimit        = 20
)

// ErrInvalidCallback is returned when the redirect carries neither a code
// nor an error.
var ErrInvalidCallback = errors.New("Invalid callback")

// CallbackOptions configure StartCallbackServer.
type CallbackOptions struct {
	// Port defaults to 3000; a negative value picks any free port.
	Port int
	// AutoFindPort tries the following ports when Port is taken.
	AutoFindPort bool
}

type callbackResult struct {
	code string
	err  error
}

// CallbackServer is the loopback HTTPS endpoint the browser is redirected to.
type CallbackServer struct {
	port   int
	srv    *http.Server
	ln     net.Listener
	result chan callbackResult
	once   sync.Once
	log    zerolog.Logger

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

var pageTmpl = template.Must(template.New("page").Parse(`<!doctype html>
<html><head><meta charset="utf-8"><title>gnasty-hub authorization</title></head>
<body><h1 class="{{.Heading}}">{{.Heading}}</h1><p>{{.Message}}</p></body></html>
`))

// StartCallbackServer listens on 127.0.0.1 with a fresh self-signed
// certificate and serves until Close or ctx ends.
func StartCallbackServer(ctx context.Context, opts CallbackOptions) (*CallbackServer, error) {
	cert, err := selfSignedCert()
	if err != nil {
		return nil, fmt.Errorf("twitch: callback certificate: %w", err)
	}
	port := opts.Port
	if port == 0 {
		port = defaultCallbackPort
	}

	tlsCfg := &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
	ln, bound, err := listen(port, opts.AutoFindPort, tlsCfg)
	if err != nil {
		return nil, err
	}

	s := &CallbackServer{
		port:   bound,
		ln:     ln,
		result: make(chan callbackResult, 1),
		log:    logging.With("twitch-callback"),
		done:   make(chan struct{}),
	}

	r := chi.NewRouter()
	r.Use(s.recoverer)
	r.Get("/", s.handleCallback)
	r.Get("/callback", s.handleCallback)

	s.srv = &http.Server{
		Handler:           r,
		ReadHeaderTimeout: callbackRequestTimeout,
		ReadTimeout:       callbackRequestTimeout,
		WriteTimeout:      callbackRequestTimeout,
	}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.deliver(callbackResult{err: fmt.Errorf("twitch: callback server: %w", err)})
		}
	}()
	go func() {
		select {
		case <-ctx.Done():
			_ = s.Close()
		case <-s.done:
		}
	}()

	s.log.Info().Int("port", bound).Msg("callback server listening")
	return s, nil
}

func listen(port int, autoFind bool, cfg *tls.Config) (net.Listener, int, error) {
	attempts := 1
	if autoFind {
		attempts = portSearchLimit
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		candidate := port + i
		if port < 0 {
			candidate = 0
		}
		ln, err := tls.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", candidate), cfg)
		if err == nil {
			return ln, ln.Addr().(*net.TCPAddr).Port, nil
		}
		lastErr = err
		if !errors.Is(err, syscall.EADDRINUSE) {
			break
		}
	}
	return nil, 0, fmt.Errorf("twitch: callback listen on port %d: %w", port, lastErr)
}

// Port is the bound port.
func (s *CallbackServer) Port() int { return s.port }

// RedirectURI is the URI registered with the authorize request.
func (s *CallbackServer) RedirectURI() string {
	return fmt.Sprintf("https://localhost:%d", s.port)
}

// WaitForCode blocks until the first callback arrives.
func (s *CallbackServer) WaitForCode(ctx context.Context) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-s.result:
		return res.code, res.err
	}
}

// Close stops the server.
func (s *CallbackServer) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		ctx, cancel := context.WithTimeout(context.Background(), callbackRequestTimeout)
		defer cancel()
		if err := s.srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.closeErr = err
		}
	})
	return s.closeErr
}

func (s *CallbackServer) deliver(res callbackResult) {
	s.once.Do(func() { s.result <- res })
}

func (s *CallbackServer) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if e := q.Get("error"); e != "" {
		desc := q.Get("error_description")
		s.deliver(callbackResult{err: fmt.Errorf("OAuth error: %s", e)})
		render(w, http.StatusBadRequest, "failed", "Authorization failed: "+e+" "+desc)
		return
	}
	code := q.Get("code")
	if code == "" {
		s.deliver(callbackResult{err: ErrInvalidCallback})
		render(w, http.StatusBadRequest, "invalid", "The callback carried no authorization code.")
		return
	}
	s.deliver(callbackResult{code: code})
	render(w, http.StatusOK, "success", "Authorization complete. You can close this window.")
}

func (s *CallbackServer) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.log.Error().Interface("panic", rec).Msg("callback handler panic")
				render(w, http.StatusInternalServerError, "server", "Internal error while handling the callback.")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func render(w http.ResponseWriter, status int, heading, message string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_ = pageTmpl.Execute(w, struct{ Heading, Message string }{heading, message})
}

func selfSignedCert() (tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return tls.Certificate{}, err
	}
	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "localhost"},
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1)},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}, nil
}
