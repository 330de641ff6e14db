package main

// Compile-time OAuth surfaces for the three login providers. A single Google
// login serves both the gemini and antigravity pools, so there is no separate
// antigravity flow.

var anthropicOAuth = &oauthProvider{
	name:         "anthropic",
	clientID:     "9d1c250a-e61b-44d9-88ed-5944d1962f5e",
	authorizeURL: "https://claude.ai/oauth/authorize",
	tokenURL:     "https://console.anthropic.com/v1/oauth/token",
	redirectHost: "localhost",
	callbackPort: 54545,
	callbackPath: "/callback",
	scope:        "org:create_api_key user:profile user:inference",
	bodyEncoding: "json",
	stateInToken: true,
	extraAuthParams: map[string]string{
		"code": "true",
	},
	identity: anthropicIdentity,
}

var codexOAuth = &oauthProvider{
	name:         "codex",
	clientID:     "app_EMoamEEZ73f0CkXaXp7hrann",
	authorizeURL: "https://auth.openai.com/oauth/authorize",
	tokenURL:     "https://auth.openai.com/oauth/token",
	redirectHost: "localhost",
	callbackPort: 1455,
	callbackPath: "/auth/callback",
	scope:        "openid profile email offline_access",
	bodyEncoding: "json",
	extraAuthParams: map[string]string{
		"id_token_add_organizations": "true",
		"codex_cli_simplified_flow":  "true",
	},
	identity: codexIdentity,
}

var googleOAuth = &oauthProvider{
	name:         "google",
	clientID:     "681255809395-oo8ft2oprdrnp9e3aqf6av3hmdib135j.apps.googleusercontent.com",
	clientSecret: "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",
	authorizeURL: "https://accounts.google.com/o/oauth2/v2/auth",
	tokenURL:     "https://oauth2.googleapis.com/token",
	redirectHost: "localhost",
	callbackPort: 8085,
	callbackPath: "/oauth2callback",
	scope: "https://www.googleapis.com/auth/cloud-platform " +
		"https://www.googleapis.com/auth/userinfo.email " +
		"https://www.googleapis.com/auth/userinfo.profile",
	bodyEncoding: "form",
	extraAuthParams: map[string]string{
		"access_type": "offline",
		"prompt":      "consent",
	},
	identity: googleIdentity,
}

var oauthProviders = []*oauthProvider{anthropicOAuth, codexOAuth, googleOAuth}

func oauthProviderByName(name string) *oauthProvider {
	for _, p := range oauthProviders {
		if p.name == name {
			return p
		}
	}
	return nil
}
