package scraper

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/time/rate"

	"github.com/Haskz13/canpublicsectorbidscraper/internal/crawlerr"
	"github.com/Haskz13/canpublicsectorbidscraper/internal/logger"
	"github.com/Haskz13/canpublicsectorbidscraper/internal/model"
	"github.com/Haskz13/canpublicsectorbidscraper/internal/retry"
	"github.com/Haskz13/canpublicsectorbidscraper/internal/session"
)

var (
	errMissingCredentials = errors.New("no credentials configured")
	errLoginRejected      = errors.New("login did not reach an authenticated page")
)

// Authenticated logs in before listing. The browser session may be replaced
// mid-crawl; a page that then comes back signed out gets one fresh login,
// and a page still signed out after it aborts the portal.
type Authenticated struct {
	base
}

func (a *Authenticated) Kind() model.AdapterKind { return model.AdapterAuthenticated }

func (a *Authenticated) PageURL(d model.PortalDescriptor, page int) string {
	return fmt.Sprintf(d.Selectors.PageURL, page)
}

func (a *Authenticated) Authenticate(ctx context.Context, b Browser, d model.PortalDescriptor) error {
	return a.login(ctx, rate.NewLimiter(rate.Inf, 1), b, d)
}

func (a *Authenticated) login(ctx context.Context, lim *rate.Limiter, b Browser, d model.PortalDescriptor) error {
	user, pass := a.opts.Credentials(d.ID)
	if user == "" || pass == "" {
		return crawlerr.New(crawlerr.KindAuthentication, "login", errMissingCredentials)
	}
	sel := d.Selectors

	err := retry.Do(ctx, a.opts.Retry, func(ctx context.Context) error {
		if err := lim.Wait(ctx); err != nil {
			return crawlerr.New(crawlerr.KindCancelled, "rate limit", err)
		}
		if err := b.Navigate(ctx, sel.LoginURL); err != nil {
			return err
		}
		if err := b.Type(ctx, orDefault(sel.UsernameField, "input[name='username']"), user); err != nil {
			return err
		}
		if err := b.Type(ctx, orDefault(sel.PasswordField, "input[type='password']"), pass); err != nil {
			return err
		}
		return b.Click(ctx, orDefault(sel.SubmitButton, "button[type='submit']"))
	})
	if err != nil {
		return classifyAs(crawlerr.KindAuthentication, "login", err)
	}

	if sel.LoggedInMark == "" {
		return nil
	}
	src, err := b.PageSource(ctx)
	if err != nil {
		return classifyAs(crawlerr.KindAuthentication, "login", err)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(src))
	if err != nil || !loggedIn(doc, d) {
		return crawlerr.New(crawlerr.KindAuthentication, "login", errLoginRejected)
	}
	return nil
}

func (a *Authenticated) Scrape(ctx context.Context, b Browser, d model.PortalDescriptor) iter.Seq2[model.RawTenderRecord, error] {
	return oneShot(func(yield func(model.RawTenderRecord, error) bool) {
		log := a.opts.Log.With(logger.String("portal_id", d.ID))
		lim := a.limiterFor()

		if err := a.login(ctx, lim, b, d); err != nil {
			yield(model.RawTenderRecord{}, err)
			return
		}

		open := func(ctx context.Context, pageURL string) (*goquery.Document, error) {
			doc, err := a.open(ctx, lim, b, pageURL)
			expired := err != nil && errors.Is(err, session.ErrSessionExpired)
			if err == nil && loggedIn(doc, d) {
				return doc, nil
			}
			if err != nil && !expired {
				return nil, err
			}
			log.Info("Signed out, re-authenticating", logger.String("url", pageURL))

			if expired {
				if err := b.Renew(ctx); err != nil {
					return nil, classifyAs(crawlerr.KindAuthentication, "renew session", err)
				}
			}
			if err := a.login(ctx, lim, b, d); err != nil {
				return nil, err
			}
			doc, err = a.open(ctx, lim, b, pageURL)
			if err != nil {
				return nil, classifyAs(crawlerr.KindAuthentication, "reauthenticate", err)
			}
			if !loggedIn(doc, d) {
				return nil, crawlerr.New(crawlerr.KindAuthentication, "reauthenticate", errLoginRejected)
			}
			return doc, nil
		}

		var enrich enricher
		if hasDetail(d) {
			enrich = func(ctx context.Context, rec *model.RawTenderRecord) error {
				return a.resolveDetail(ctx, lim, b, d, rec)
			}
		}

		if d.Selectors.PageURL != "" {
			a.walk(ctx, d, a, open, enrich, yield)
			return
		}
		doc, err := open(ctx, listURL(d))
		if err != nil {
			yield(model.RawTenderRecord{}, classifyAs(crawlerr.KindNavigation, "open listing", err))
			return
		}
		emitRows(ctx, a.ListRecords(doc, d), enrich, yield)
	})
}

// loggedIn reports whether doc carries the portal's signed-in marker.
// Portals without a marker are assumed signed in.
func loggedIn(doc *goquery.Document, d model.PortalDescriptor) bool {
	if d.Selectors.LoggedInMark == "" {
		return true
	}
	return doc.Find(d.Selectors.LoggedInMark).Length() > 0
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
