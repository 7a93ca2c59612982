package solver

import "turnstile-solver-go/internal/model"

// BuildHeaders assembles the final header set: the template defaults
// overlaid with the serialized cookies, the target URL as referer and the
// supplied user agent. Cookie order is preserved as the session returned it.
func BuildHeaders(cookies []model.Cookie, template map[string]string, url, userAgent string) model.HeaderSet {
	headers := make(model.HeaderSet, len(template)+3)
	for k, v := range template {
		headers[k] = v
	}
	headers["cookie"] = model.CookieHeader(cookies)
	headers["referer"] = url
	headers["user-agent"] = userAgent
	return headers
}
