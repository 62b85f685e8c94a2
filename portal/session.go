package portal

import (
	"encoding/json"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"time"
)

// sessionSnapshot is the FormAcquirer's SessionState: the cookies the jar
// holds for each page visited during the login.
type sessionSnapshot struct {
	Origins []originCookies `json:"origins"`
	SavedAt time.Time       `json:"saved_at"`
}

type originCookies struct {
	URL     string         `json:"url"`
	Cookies []storedCookie `json:"cookies"`
}

type storedCookie struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// restoreJar replays a prior snapshot into a new jar. Unparseable state is
// ignored; the login then simply starts from scratch.
func restoreJar(prior SessionState) (*cookiejar.Jar, int) {
	jar, _ := cookiejar.New(nil)
	if len(prior) == 0 {
		return jar, 0
	}

	var snap sessionSnapshot
	if err := json.Unmarshal(prior, &snap); err != nil {
		return jar, 0
	}

	restored := 0
	for _, o := range snap.Origins {
		u, err := url.Parse(o.URL)
		if err != nil || u.Host == "" {
			continue
		}
		cookies := make([]*http.Cookie, 0, len(o.Cookies))
		for _, c := range o.Cookies {
			cookies = append(cookies, &http.Cookie{Name: c.Name, Value: c.Value, Path: "/"})
		}
		jar.SetCookies(u, cookies)
		restored += len(cookies)
	}
	return jar, restored
}

// snapshotJar captures the cookies the jar would send to each visited URL,
// grouped by origin.
func snapshotJar(jar http.CookieJar, visited []*url.URL, now time.Time) SessionState {
	snap := sessionSnapshot{SavedAt: now.UTC()}
	index := map[string]int{}
	for _, u := range visited {
		origin := u.Scheme + "://" + u.Host + "/"
		i, ok := index[origin]
		if !ok {
			snap.Origins = append(snap.Origins, originCookies{URL: origin})
			i = len(snap.Origins) - 1
			index[origin] = i
		}
		for _, c := range jar.Cookies(u) {
			if !hasCookie(snap.Origins[i].Cookies, c.Name) {
				snap.Origins[i].Cookies = append(snap.Origins[i].Cookies, storedCookie{Name: c.Name, Value: c.Value})
			}
		}
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return nil
	}
	return data
}

func hasCookie(cookies []storedCookie, name string) bool {
	for _, c := range cookies {
		if c.Name == name {
			return true
		}
	}
	return false
}
