// Package server hosts the Fiber HTTP service, the request middleware chain,
// and the site registry that maps Host (or Referer) to a SiteRoute carrying
// the site's network client and worker registration. Keep exports narrow and
// accept explicit dependencies so cmd wiring and tests can inject fakes.
package server
