package tenant

// Theme selection priority: tenant branding override, then the process-wide
// configured default, then the built-in fallback.

// FallbackTheme is the built-in theme shipped with the server.
const FallbackTheme = "default"

// ResolveTheme picks the effective theme name for a (possibly nil) tenant.
func ResolveTheme(configDefault string, t *Tenant) string {
	if t != nil {
		if theme := t.BrandingTheme(); theme != "" {
			return theme
		}
	}
	if configDefault != "" {
		return configDefault
	}
	return FallbackTheme
}

// ThemeHeaders projects the selected theme and branding fields into
// response header values. Keys are full header names.
func ThemeHeaders(configDefault string, t *Tenant) map[string]string {
	headers := map[string]string{
		"X-Theme": ResolveTheme(configDefault, t),
	}
	if t == nil {
		return headers
	}
	if css := stringField(t.Branding, "customCSS"); css != "" {
		headers["X-Theme-Custom-CSS"] = css
	}
	if logo := stringField(t.Branding, "logoLight"); logo != "" {
		headers["X-Theme-Logo-Light"] = logo
	}
	if logo := stringField(t.Branding, "logoDark"); logo != "" {
		headers["X-Theme-Logo-Dark"] = logo
	}
	if favicon := stringField(t.Branding, "favicon"); favicon != "" {
		headers["X-Theme-Favicon"] = favicon
	}
	return headers
}
