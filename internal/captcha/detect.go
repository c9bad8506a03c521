// Package captcha detects CAPTCHA widgets on a page and clears them through
// a remote solving service (CapSolver / Anti-Captcha task protocol).
package captcha

import (
	"context"

	"github.com/PentesterFlow/ScreenCrawler/internal/browser"
)

// Kind is a CAPTCHA family.
type Kind string

// Supported families, in detection priority order.
const (
	Turnstile   Kind = "turnstile"
	RecaptchaV2 Kind = "recaptcha_v2"
	HCaptcha    Kind = "hcaptcha"
	RecaptchaV3 Kind = "recaptcha_v3"
)

// TaskType returns the solver task type for k.
func (k Kind) TaskType() string {
	switch k {
	case Turnstile:
		return "AntiTurnstileTaskProxyLess"
	case RecaptchaV2:
		return "ReCaptchaV2TaskProxyLess"
	case HCaptcha:
		return "HCaptchaTaskProxyLess"
	case RecaptchaV3:
		return "ReCaptchaV3TaskProxyLess"
	default:
		return ""
	}
}

// Challenge is a detected widget.
type Challenge struct {
	Kind     Kind
	SiteKey  string
	Action   string // reCAPTCHA v3 / Turnstile action, if declared
	Callback string // data-callback function name, if declared
	PageURL  string
}

const detectJS = `() => {
	const attr = (el, n) => (el && el.getAttribute(n)) || '';
	const frameParam = (pattern, param) => {
		for (const f of document.querySelectorAll('iframe')) {
			const src = f.getAttribute('src') || '';
			if (!src.includes(pattern)) continue;
			try {
				const u = new URL(src, location.href);
				const v = u.searchParams.get(param) || new URLSearchParams(u.hash.slice(1)).get(param);
				if (v) return v;
			} catch (e) {}
		}
		return '';
	};
	const hasFrame = (pattern) => !!document.querySelector('iframe[src*="' + pattern + '"]');

	let el = document.querySelector('.cf-turnstile[data-sitekey], [data-sitekey][class*="turnstile"]');
	if (el || hasFrame('challenges.cloudflare.com')) {
		return {kind: 'turnstile', sitekey: attr(el, 'data-sitekey') || frameParam('challenges.cloudflare.com', 'k'),
			action: attr(el, 'data-action'), callback: attr(el, 'data-callback')};
	}

	el = document.querySelector('.g-recaptcha[data-sitekey]');
	const anchor = document.querySelector('iframe[src*="recaptcha/api2/anchor"], iframe[src*="recaptcha/enterprise/anchor"]');
	const invisible = (el && attr(el, 'data-size') === 'invisible') || (anchor && (anchor.getAttribute('src') || '').includes('size=invisible'));
	if ((el || anchor) && !invisible) {
		return {kind: 'recaptcha_v2', sitekey: attr(el, 'data-sitekey') || frameParam('recaptcha/', 'k'),
			action: '', callback: attr(el, 'data-callback')};
	}

	el = document.querySelector('.h-captcha[data-sitekey], [data-hcaptcha-widget-id]');
	if (el || hasFrame('hcaptcha.com')) {
		return {kind: 'hcaptcha', sitekey: attr(el, 'data-sitekey') || frameParam('hcaptcha.com', 'sitekey'),
			action: '', callback: attr(el, 'data-callback')};
	}

	const script = Array.from(document.querySelectorAll('script[src*="recaptcha/api.js"], script[src*="recaptcha/enterprise.js"]'))
		.map(s => { try { return new URL(s.src).searchParams.get('render') || ''; } catch (e) { return ''; } })
		.find(r => r && r !== 'explicit');
	if (script || invisible || document.querySelector('.grecaptcha-badge')) {
		return {kind: 'recaptcha_v3', sitekey: script || attr(el, 'data-sitekey') || frameParam('recaptcha/', 'k'),
			action: attr(el, 'data-action'), callback: attr(el, 'data-callback')};
	}
	return null;
}`

// Detect looks for a CAPTCHA widget on page. A challenge with an empty
// SiteKey is still reported; Solve rejects it.
func Detect(ctx context.Context, page browser.Page) (*Challenge, bool) {
	res, err := page.Eval(ctx, detectJS)
	if err != nil || res.Nil() {
		return nil, false
	}
	kind := Kind(res.Get("kind").Str())
	if kind.TaskType() == "" {
		return nil, false
	}
	return &Challenge{
		Kind:     kind,
		SiteKey:  res.Get("sitekey").Str(),
		Action:   res.Get("action").Str(),
		Callback: res.Get("callback").Str(),
		PageURL:  page.URL(),
	}, true
}

const injectJS = `(kind, token, callback) => {
	const names = {
		turnstile: ['cf-turnstile-response', 'g-recaptcha-response'],
		recaptcha_v2: ['g-recaptcha-response'],
		recaptcha_v3: ['g-recaptcha-response'],
		hcaptcha: ['h-captcha-response', 'g-recaptcha-response'],
	}[kind] || [];
	let filled = 0;
	for (const n of names) {
		document.querySelectorAll('textarea[name="' + n + '"], input[name="' + n + '"], #' + n).forEach(el => {
			el.value = token;
			if (el.tagName === 'TEXTAREA') el.innerHTML = token;
			el.dispatchEvent(new Event('input', {bubbles: true}));
			el.dispatchEvent(new Event('change', {bubbles: true}));
			filled++;
		});
	}
	if (filled === 0 && names.length) {
		const ta = document.createElement('textarea');
		ta.name = names[0];
		ta.style.display = 'none';
		ta.value = token;
		(document.querySelector('form') || document.body).appendChild(ta);
		filled = 1;
	}
	let called = false;
	if (callback) {
		const fn = callback.split('.').reduce((o, k) => o && o[k], window);
		if (typeof fn === 'function') {
			try { fn(token); called = true; } catch (e) {}
		}
	}
	return {filled, called};
}`

// Inject writes token into the page's response fields and invokes the
// widget callback when one is declared.
func Inject(ctx context.Context, page browser.Page, ch *Challenge, token string) (filled int, called bool, err error) {
	res, err := page.Eval(ctx, injectJS, string(ch.Kind), token, ch.Callback)
	if err != nil {
		return 0, false, err
	}
	return res.Get("filled").Int(), res.Get("called").Bool(), nil
}
