// Package client is the HTTP client for a running sahguard server.
//
// It implements session.Authenticator, so a session.Manager can log in,
// renew and revoke against the server:
//
//	c := client.New("http://127.0.0.1:8080")
//	m := session.NewManager(c, session.NewFileStorage(path), logger)
//	s, err := m.Login(ctx, session.Credentials{Email: email, Password: pw})
//
// State-changing calls fetch a CSRF token first and follow the token
// rotation announced in the X-CSRF-Token response header.
package client
