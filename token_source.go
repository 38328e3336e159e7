package goAuthSync

import (
	"context"
	"net/http"

	"golang.org/x/oauth2"
)

const refreshSourceTokenSource = "token_source"

type tabTokenSource struct {
	tab *Tab
}

// TokenSource adapts the tab to [oauth2.TokenSource] so API callers attach the current
// access token. A missing or expiring token triggers a refresh flight first; when none
// can be produced Token returns [ErrNotAuthenticated].
func (t *Tab) TokenSource() oauth2.TokenSource {
	return tabTokenSource{tab: t}
}

// HTTPClient returns a client that sends the tab's access token as a bearer header.
// base is the underlying transport; nil means http.DefaultTransport.
func (t *Tab) HTTPClient(base http.RoundTripper) *http.Client {
	return &http.Client{
		Transport: &oauth2.Transport{
			Source: t.TokenSource(),
			Base:   base,
		},
	}
}

func (s tabTokenSource) Token() (*oauth2.Token, error) {
	st := s.tab.State()
	if needsRefresh(st, s.tab.clock(), s.tab.cfg.Refresh.ExpiryLeeway) {
		s.tab.Refresh(context.Background(), RefreshOptions{Source: refreshSourceTokenSource})
		st = s.tab.State()
	}
	if !st.IsAuthenticated || st.AccessToken == "" {
		return nil, ErrNotAuthenticated
	}

	tok := &oauth2.Token{
		AccessToken: st.AccessToken,
		TokenType:   "Bearer",
	}
	if exp, ok := accessTokenExpiry(st.AccessToken); ok {
		tok.Expiry = exp
	}
	return tok, nil
}
