// Package docker adapts the Docker Registry v2 HTTP API to the cache engine
// (spec §6 "Docker Registry v2"): manifests and blobs are pull-through
// cached under composite artifact names, with upstream Bearer-token
// acquisition for Docker Hub and digest verification for blobs.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package docker

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
	jsoniter "github.com/json-iterator/go"

	"github.com/amargo-project/amargo/adapter/httputil"
	"github.com/amargo-project/amargo/cache"
	"github.com/amargo-project/amargo/cmn"
	"github.com/amargo-project/amargo/meta"
	"github.com/amargo-project/amargo/resolver"
)

const dockerHubAuthURL = "https://auth.docker.io/token"

// tokenAcquireTimeout bounds how long a Docker Hub token request can take,
// independent of the inbound request's own deadline (spec §5).
const tokenAcquireTimeout = 5 * time.Second

// Handler serves one logical Docker target: a single repository or a group.
type Handler struct {
	Target   string
	Engine   *cache.Engine
	Resolver *resolver.Resolver
	Client   *http.Client

	tokensMu sync.Mutex
	tokens   map[string]cachedToken // keyed by image name
}

type cachedToken struct {
	value   string
	expires time.Time
}

func New(target string, engine *cache.Engine, res *resolver.Resolver) *Handler {
	return &Handler{
		Target:   target,
		Engine:   engine,
		Resolver: res,
		Client:   cmn.NewClient(cmn.TransportArgs{}),
		tokens:   make(map[string]cachedToken),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/")
	path = strings.TrimPrefix(path, "v2/")
	path = strings.TrimPrefix(path, "v2")

	if path == "" {
		w.Header().Set("Docker-Distribution-API-Version", "registry/2.0")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte("{}"))
		return
	}

	switch {
	case strings.Contains(path, "/manifests/"):
		idx := strings.LastIndex(path, "/manifests/")
		image, ref := path[:idx], path[idx+len("/manifests/"):]
		h.serveManifest(w, r, normalizeImage(image), ref)
	case strings.Contains(path, "/blobs/"):
		idx := strings.LastIndex(path, "/blobs/")
		image, digest := path[:idx], path[idx+len("/blobs/"):]
		h.serveBlob(w, r, normalizeImage(image), digest)
	default:
		http.NotFound(w, r)
	}
}

// normalizeImage prefixes unqualified Docker Hub official-image names with
// "library/" (spec §6).
func normalizeImage(image string) string {
	if !strings.Contains(image, "/") {
		return "library/" + image
	}
	return image
}

func (h *Handler) serveManifest(w http.ResponseWriter, r *http.Request, image, ref string) {
	name := image + ":manifest:" + ref
	hook := func(ctx context.Context, repo meta.Repository) (*cache.FetchResult, error) {
		upstream := strings.TrimRight(repo.Upstream, "/") + "/v2/" + image + "/manifests/" + ref
		return h.authedFetch(ctx, repo, image, upstream, manifestAccept)
	}

	outcome := h.Engine.Serve(r.Context(), h.Target, name, ref, hook, cache.Options{ContentType: "application/vnd.docker.distribution.manifest.v2+json"})
	writeOutcome(w, outcome, ref)
}

func (h *Handler) serveBlob(w http.ResponseWriter, r *http.Request, image, digest string) {
	name := image + ":blob:" + digest
	hook := func(ctx context.Context, repo meta.Repository) (*cache.FetchResult, error) {
		upstream := strings.TrimRight(repo.Upstream, "/") + "/v2/" + image + "/blobs/" + digest
		return h.authedFetch(ctx, repo, image, upstream, "")
	}

	outcome := h.Engine.Serve(r.Context(), h.Target, name, digest, hook, cache.Options{ContentType: "application/octet-stream"})
	if outcome.Kind == cache.OutcomeMiss && outcome.InfoPromise != nil {
		go verifyBlobDigest(outcome.InfoPromise, digest)
	}
	writeOutcome(w, outcome, digest)
}

// verifyBlobDigest waits for the background store to finish and logs an
// error if the persisted digest does not match the digest named in the
// request URL (spec §6, testable property 10). The bytes have already been
// forwarded to the caller by the time this runs; there is no way to abort an
// in-flight response, so this is detect-and-log rather than reject.
func verifyBlobDigest(promise *cache.InfoPromise, requestedDigest string) {
	info, err := promise.Wait(context.Background())
	if err != nil || info == nil {
		return
	}
	want := strings.TrimPrefix(requestedDigest, "sha256:")
	if info.Digest != want {
		cmn.Logger.Errorw("docker blob digest mismatch", "requested", requestedDigest, "stored", info.Digest)
	}
}

var manifestAccept = strings.Join([]string{
	"application/vnd.docker.distribution.manifest.v2+json",
	"application/vnd.docker.distribution.manifest.list.v2+json",
	"application/vnd.oci.image.manifest.v1+json",
	"application/vnd.oci.image.index.v1+json",
}, ",")

func (h *Handler) authedFetch(ctx context.Context, repo meta.Repository, image, upstream, accept string) (*cache.FetchResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, upstream, nil)
	if err != nil {
		return nil, err
	}
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	if isDockerHub(repo.Upstream) {
		token, tokErr := h.dockerHubToken(ctx, image)
		if tokErr != nil {
			return nil, cmn.WrapUpstreamUnavailable("acquire docker hub token", tokErr)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	} else if repo.Credentials != nil {
		req.SetBasicAuth(repo.Credentials.User, repo.Credentials.Password)
	}

	resp, err := h.Client.Do(req)
	if err != nil {
		return nil, cmn.WrapUpstreamUnavailable("fetch docker artifact", err)
	}
	switch resp.StatusCode {
	case http.StatusNotFound, http.StatusGone:
		resp.Body.Close()
		return nil, cmn.NewNotFoundError("docker artifact not found upstream: " + upstream)
	case http.StatusUnauthorized:
		resp.Body.Close()
		return nil, cmn.NewUnauthorizedError("upstream rejected docker credentials: " + upstream)
	case http.StatusOK:
		return &cache.FetchResult{
			Reader:      resp.Body,
			ContentType: resp.Header.Get("Content-Type"),
			Digest:      resp.Header.Get("Docker-Content-Digest"),
			Size:        resp.ContentLength,
		}, nil
	default:
		resp.Body.Close()
		return nil, cmn.WrapUpstreamUnavailable("fetch docker artifact", fmt.Errorf("unexpected upstream status %d", resp.StatusCode))
	}
}

func isDockerHub(upstream string) bool {
	return strings.Contains(upstream, "registry-1.docker.io") || strings.Contains(upstream, "index.docker.io")
}

// dockerHubToken acquires (and caches until near expiry) a short-lived pull
// Bearer token for one image repository (spec §6).
func (h *Handler) dockerHubToken(ctx context.Context, image string) (string, error) {
	h.tokensMu.Lock()
	if tok, ok := h.tokens[image]; ok && time.Now().Before(tok.expires) {
		h.tokensMu.Unlock()
		return tok.value, nil
	}
	h.tokensMu.Unlock()

	tokCtx, cancel := context.WithTimeout(ctx, tokenAcquireTimeout)
	defer cancel()

	url := dockerHubAuthURL + "?service=registry.docker.io&scope=repository:" + image + ":pull"
	req, err := http.NewRequestWithContext(tokCtx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := h.Client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("docker hub auth returned status %d", resp.StatusCode)
	}

	var body struct {
		Token       string `json:"token"`
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := jsoniter.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", err
	}
	token := body.Token
	if token == "" {
		token = body.AccessToken
	}

	expires := time.Now().Add(tokenExpiry(token, body.ExpiresIn))
	h.tokensMu.Lock()
	h.tokens[image] = cachedToken{value: token, expires: expires}
	h.tokensMu.Unlock()
	return token, nil
}

// tokenExpiry prefers the "exp" claim inside the token itself (Docker Hub
// issues a signed JWT) over the expires_in field, falling back to a
// conservative default when neither is present. The token is never verified
// here: this proxy is a bearer of the token, not its relying party.
func tokenExpiry(token string, expiresIn int) time.Duration {
	var claims jwt.MapClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err == nil {
		if exp, ok := claims["exp"].(float64); ok {
			if d := time.Until(time.Unix(int64(exp), 0)) - 5*time.Second; d > 0 {
				return d
			}
		}
	}
	if expiresIn > 0 {
		return time.Duration(expiresIn)*time.Second - 5*time.Second
	}
	return 55 * time.Second
}

func writeOutcome(w http.ResponseWriter, outcome cache.Outcome, requestedDigest string) {
	switch outcome.Kind {
	case cache.OutcomeHit:
		defer outcome.Reader.Close()
		digest := requestedDigest
		if outcome.Info != nil && outcome.Info.Digest != "" {
			digest = "sha256:" + outcome.Info.Digest
		}
		httputil.SetHit(w, outcome.RepositoryName, digest, true)
		w.Header().Set("Docker-Content-Digest", digest)
		w.WriteHeader(http.StatusOK)
		io.Copy(w, outcome.Reader)
	case cache.OutcomeMiss:
		defer outcome.Reader.Close()
		httputil.SetMiss(w, outcome.RepositoryName, true)
		digest := requestedDigest
		if outcome.UpstreamDigest != "" {
			digest = outcome.UpstreamDigest
		}
		w.Header().Set("Docker-Content-Digest", digest)
		w.WriteHeader(http.StatusOK)
		io.Copy(w, outcome.Reader)
	case cache.OutcomeNotFound:
		http.Error(w, "not found", http.StatusNotFound)
	default:
		httputil.WriteError(w, outcome.Err)
	}
}
