package auth

import (
	"context"
	"time"

	"golang.org/x/oauth2"

	"gitlab.com/gitlab-workflow/glw/internal/account"
)

// accountTokenSource adapts a stored account to oauth2.TokenSource so API
// clients pick up refreshed tokens transparently.
type accountTokenSource struct {
	ctx       context.Context
	exchanger *TokenExchanger
	accountID string
}

// TokenSource returns a source that refreshes the account's token on demand.
// Personal-access-token accounts are returned as-is; they never expire from
// the client's point of view.
func (e *TokenExchanger) TokenSource(ctx context.Context, accountID string) oauth2.TokenSource {
	return &accountTokenSource{ctx: ctx, exchanger: e, accountID: accountID}
}

func (s *accountTokenSource) Token() (*oauth2.Token, error) {
	acc, err := s.exchanger.RefreshIfNeeded(s.ctx, s.accountID)
	if err != nil {
		return nil, err
	}
	return tokenFromAccount(acc), nil
}

func tokenFromAccount(acc account.Account) *oauth2.Token {
	token := &oauth2.Token{
		AccessToken:  acc.Token,
		RefreshToken: acc.RefreshToken,
		TokenType:    "Bearer",
	}
	if acc.ExpiresAt > 0 {
		token.Expiry = time.Unix(acc.ExpiresAt, 0)
	}
	return token
}
