package portal

import (
	"net/url"
	"slices"
	"strings"

	"golang.org/x/net/html"
)

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, key) {
			return a.Val
		}
	}
	return ""
}

// walk visits n and its descendants depth-first until fn returns false.
func walk(n *html.Node, fn func(*html.Node) bool) bool {
	if !fn(n) {
		return false
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if !walk(c, fn) {
			return false
		}
	}
	return true
}

func isElement(n *html.Node, tag string) bool {
	return n.Type == html.ElementNode && n.Data == tag
}

func textContent(n *html.Node) string {
	var b strings.Builder
	walk(n, func(c *html.Node) bool {
		if c.Type == html.TextNode {
			b.WriteString(c.Data)
		}
		return true
	})
	return strings.TrimSpace(b.String())
}

// findTokenElement returns the token held by the element whose id or name is
// field: its value attribute, or its text for non-input elements.
func findTokenElement(doc *html.Node, field string) (string, bool) {
	var found string
	walk(doc, func(n *html.Node) bool {
		if n.Type != html.ElementNode {
			return true
		}
		if attr(n, "id") != field && attr(n, "name") != field {
			return true
		}
		if v := strings.TrimSpace(attr(n, "value")); v != "" {
			found = v
		} else if n.Data != "input" {
			found = textContent(n)
		}
		return found == ""
	})
	return found, found != ""
}

// hasCaptcha reports whether any element's id, class or src mentions a marker.
func hasCaptcha(doc *html.Node, markers []string) bool {
	if len(markers) == 0 {
		return false
	}
	found := false
	walk(doc, func(n *html.Node) bool {
		if n.Type != html.ElementNode {
			return true
		}
		haystack := strings.ToLower(attr(n, "id") + " " + attr(n, "class") + " " + attr(n, "src"))
		for _, m := range markers {
			if m != "" && strings.Contains(haystack, strings.ToLower(m)) {
				found = true
				return false
			}
		}
		return true
	})
	return found
}

// loginForm is a form holding a password input plus a login input.
type loginForm struct {
	action   *url.URL
	method   string
	values   url.Values
	login    string
	password string
}

// findLoginForm locates the login form. loginFields are the accepted names of
// the login input; an input of type email is accepted as well. missing names
// the input that was not found when the form is nil.
func findLoginForm(doc *html.Node, base *url.URL, loginFields []string, passwordField string) (form *loginForm, missing string) {
	missing = "password"
	walk(doc, func(n *html.Node) bool {
		if !isElement(n, "form") {
			return true
		}
		f, m := parseForm(n, base, loginFields, passwordField)
		if f != nil {
			form = f
			return false
		}
		if m == "login" {
			missing = m
		}
		return true
	})
	if form != nil {
		missing = ""
	}
	return form, missing
}

func parseForm(n *html.Node, base *url.URL, loginFields []string, passwordField string) (*loginForm, string) {
	f := &loginForm{
		action: base,
		method: strings.ToUpper(attr(n, "method")),
		values: url.Values{},
	}
	if f.method == "" {
		f.method = "POST"
	}
	if action := strings.TrimSpace(attr(n, "action")); action != "" {
		if u, err := base.Parse(action); err == nil {
			f.action = u
		}
	}

	submitSeen := false
	walk(n, func(c *html.Node) bool {
		if c.Type != html.ElementNode {
			return true
		}
		name := attr(c, "name")
		typ := strings.ToLower(attr(c, "type"))

		switch c.Data {
		case "input":
			switch {
			case typ == "password" || (passwordField != "" && name == passwordField):
				if f.password == "" && name != "" {
					f.password = name
				}
			case f.login == "" && name != "" && (slices.Contains(loginFields, name) || typ == "email"):
				f.login = name
			case typ == "submit" || typ == "image":
				if name != "" && !submitSeen {
					f.values.Set(name, attr(c, "value"))
					submitSeen = true
				}
			case typ == "checkbox" || typ == "radio":
				if name != "" && hasAttr(c, "checked") {
					f.values.Add(name, valueOr(attr(c, "value"), "on"))
				}
			case name != "":
				f.values.Add(name, attr(c, "value"))
			}
		case "button":
			if name != "" && !submitSeen && (typ == "" || typ == "submit") {
				f.values.Set(name, attr(c, "value"))
				submitSeen = true
			}
		}
		return true
	})

	if f.password == "" {
		return nil, "password"
	}
	if f.login == "" {
		return nil, "login"
	}
	return f, ""
}

func hasAttr(n *html.Node, key string) bool {
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, key) {
			return true
		}
	}
	return false
}

func valueOr(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
