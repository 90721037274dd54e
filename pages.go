package oauth

import (
	"html/template"
	"log/slog"
	"net/http"

	"github.com/voicehub/smarthome-oauth/security"
)

const pageStyle = `
  *, *::before, *::after { box-sizing: border-box; margin: 0; padding: 0; }
  body {
    font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, Helvetica, Arial, sans-serif;
    background: #f5f5f5;
    color: #1a1a1a;
    display: flex;
    align-items: center;
    justify-content: center;
    min-height: 100vh;
  }
  .card {
    background: #fff;
    border: 1px solid #e0e0e0;
    border-radius: 8px;
    padding: 2.5rem 2rem;
    width: 100%;
    max-width: 400px;
    box-shadow: 0 1px 3px rgba(0,0,0,0.06);
  }
  .card h1 { font-size: 1.25rem; font-weight: 600; margin-bottom: 0.25rem; }
  .card p.sub { font-size: 0.85rem; color: #666; margin-bottom: 1.5rem; }
  .request {
    background: #f8f9fa;
    border: 1px solid #e0e0e0;
    border-radius: 6px;
    padding: 0.6rem 0.75rem;
    font-size: 0.85rem;
    margin-bottom: 1rem;
  }
  .request ul { margin: 0.3rem 0 0 1.2rem; }
  .error {
    background: #fef2f2;
    color: #991b1b;
    border: 1px solid #fecaca;
    border-radius: 6px;
    padding: 0.6rem 0.75rem;
    font-size: 0.85rem;
    margin-bottom: 1rem;
  }
  label { display: block; font-size: 0.85rem; font-weight: 500; margin-bottom: 0.35rem; color: #333; }
  input[type="text"], input[type="password"] {
    width: 100%;
    padding: 0.55rem 0.7rem;
    border: 1px solid #d0d0d0;
    border-radius: 6px;
    font-size: 0.9rem;
    margin-bottom: 1rem;
  }
  button {
    width: 100%;
    padding: 0.6rem;
    background: #1a1a1a;
    color: #fff;
    border: none;
    border-radius: 6px;
    font-size: 0.9rem;
    cursor: pointer;
    margin-bottom: 0.5rem;
  }
  button.secondary { background: #fff; color: #1a1a1a; border: 1px solid #d0d0d0; }
`

var pages = template.Must(template.New("pages").Parse(`
{{define "head"}}<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Link your smart home account</title>
<style>{{.Style}}</style>
</head>
<body>
<div class="card">{{end}}

{{define "foot"}}</div>
</body>
</html>{{end}}

{{define "login"}}{{template "head" .}}
  <h1>Sign in</h1>
  <p class="sub">Sign in to link your devices.</p>
  <div class="request">
    <p><strong>{{.ClientName}}</strong> is requesting access.</p>
  </div>
  {{if .Error}}<div class="error">{{.Error}}</div>{{end}}
  <form method="POST" action="{{.Action}}">
    <input type="hidden" name="request" value="{{.Request}}">
    <label for="username">Username</label>
    <input type="text" id="username" name="username" autocomplete="username" required autofocus>
    <label for="password">Password</label>
    <input type="password" id="password" name="password" autocomplete="current-password" required>
    <button type="submit">Sign in</button>
  </form>
{{template "foot" .}}{{end}}

{{define "consent"}}{{template "head" .}}
  <h1>Allow access?</h1>
  <p class="sub">Signed in as {{.Username}}</p>
  <div class="request">
    <p><strong>{{.ClientName}}</strong> would like to:</p>
    {{if .Scopes}}<ul>{{range .Scopes}}<li><code>{{.}}</code></li>{{end}}</ul>{{else}}<p>access your account</p>{{end}}
  </div>
  <form method="POST" action="{{.Action}}">
    <input type="hidden" name="request" value="{{.Request}}">
    <button type="submit" name="action" value="approve">Allow</button>
    <button type="submit" name="action" value="deny" class="secondary">Deny</button>
  </form>
{{template "foot" .}}{{end}}

{{define "error"}}{{template "head" .}}
  <h1>Unable to link account</h1>
  <div class="error">{{.Error}}</div>
  <p class="sub">Return to your voice assistant app and try again.</p>
{{template "foot" .}}{{end}}
`))

// pageData feeds every page template. Unused fields stay empty.
type pageData struct {
	Style      template.CSS
	Action     string
	Request    string
	ClientName string
	Username   string
	Scopes     []string
	Error      string
}

func renderPage(w http.ResponseWriter, logger *slog.Logger, issuer, name string, status int, data pageData) {
	data.Style = template.CSS(pageStyle)

	security.SetPageSecurityHeaders(w, issuer)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := pages.ExecuteTemplate(w, name, data); err != nil {
		logger.Error("Failed to render page", "page", name, "error", err)
	}
}
