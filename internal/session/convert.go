package session

import (
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/oauth2"
)

// externalCredential covers the credential files operators export from
// other tools: a gcloud "authorized_user" file, a bare OAuth2 token, or an
// SMTP app-password bundle.
type externalCredential struct {
	Kind string `json:"kind"`
	Type string `json:"type"`

	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	RefreshToken string `json:"refresh_token"`
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	Expiry       string `json:"expiry"`
	ExpiresIn    int64  `json:"expires_in"`
	Account      string `json:"account"`
	Email        string `json:"email"`

	Username string `json:"username"`
	Password string `json:"password"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
}

// ConvertExternal turns an exported credential file into an Artifact.
// Data that already is an artifact passes through unchanged.
func ConvertExternal(data []byte, now time.Time) (*Artifact, error) {
	var ext externalCredential
	if err := json.Unmarshal(data, &ext); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArtifact, err)
	}

	if ext.Kind != "" {
		return ParseArtifact(data)
	}

	account := ext.Account
	if account == "" {
		account = ext.Email
	}

	var a *Artifact
	switch {
	case ext.Type == "authorized_user":
		if ext.RefreshToken == "" || ext.ClientID == "" {
			return nil, fmt.Errorf("%w: authorized_user file needs client_id and refresh_token", ErrInvalidArtifact)
		}
		a = &Artifact{
			Kind:    KindOAuth2,
			Account: account,
			Token:   &oauth2.Token{RefreshToken: ext.RefreshToken, TokenType: "Bearer"},
			Client:  &OAuthClient{ClientID: ext.ClientID, ClientSecret: ext.ClientSecret},
		}
	case ext.AccessToken != "" || ext.RefreshToken != "":
		tok := &oauth2.Token{
			AccessToken:  ext.AccessToken,
			RefreshToken: ext.RefreshToken,
			TokenType:    ext.TokenType,
		}
		if ext.Expiry != "" {
			exp, err := time.Parse(time.RFC3339, ext.Expiry)
			if err != nil {
				return nil, fmt.Errorf("%w: expiry: %v", ErrInvalidArtifact, err)
			}
			tok.Expiry = exp
		} else if ext.ExpiresIn > 0 {
			tok.Expiry = now.Add(time.Duration(ext.ExpiresIn) * time.Second)
		}
		a = &Artifact{Kind: KindOAuth2, Account: account, Token: tok}
		if ext.ClientID != "" {
			a.Client = &OAuthClient{ClientID: ext.ClientID, ClientSecret: ext.ClientSecret}
		}
	case ext.Username != "" && ext.Password != "":
		a = &Artifact{
			Kind:    KindSMTP,
			Account: account,
			SMTP:    &SMTPCredentials{Username: ext.Username, Password: ext.Password, Host: ext.Host, Port: ext.Port},
		}
	default:
		return nil, fmt.Errorf("%w: unrecognized credential format", ErrInvalidArtifact)
	}

	a.CreatedAt = now
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return a, nil
}
