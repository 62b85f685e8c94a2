package refresh

import (
	"context"

	"golang.org/x/oauth2"
)

type tokenSource struct {
	ctx context.Context
	c   *Coordinator
}

// TokenSource adapts the coordinator for clients built on golang.org/x/oauth2.
// Each Token call goes through EnsureFresh, so an oauth2.Transport always
// presents a token outside the refresh margin.
func (c *Coordinator) TokenSource(ctx context.Context) oauth2.TokenSource {
	return tokenSource{ctx: ctx, c: c}
}

func (s tokenSource) Token() (*oauth2.Token, error) {
	rec, err := s.c.EnsureFresh(s.ctx)
	if err != nil {
		return nil, err
	}
	return &oauth2.Token{
		AccessToken: rec.Token,
		TokenType:   "Bearer",
		Expiry:      rec.ExpiresAt,
	}, nil
}
