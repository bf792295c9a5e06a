// Package picload loads remote images (or any remote asset) into display
// targets, backed by a content-addressed cache.
//
// A [Loader] ties together three layers:
//   - a [cache.Cache] that stores raw bytes under the fingerprint of their URL,
//   - a [preload.Scheduler] that downloads with bounded parallelism and
//     shares concurrent downloads of the same URL,
//   - a [process.Registry] of display processes that deliver a placeholder,
//     play animations, and hand the decoded asset to every target.
//
// # Quick Start
//
//	l, err := picload.New(picload.WithCacheDir("/var/cache/picload"))
//	if err != nil {
//	    return err
//	}
//	defer l.Close()
//
//	// Warm the cache.
//	err = l.Preload(ctx, []string{"https://example.com/a.png"})
//
//	// Show an image.
//	l.Process("https://example.com/a.png", true).
//	    SetWaitAsset(spinner).
//	    SetTarget(func(b []byte) { view.Set(b) }).
//	    OnComplete(func() { log.Print("shown") }).
//	    Run()
//
// Asking for a URL that already has a live process returns a layer on it:
// the layer gets its own targets and callbacks but shares the download.
//
// Use [NewDecoding] to have processes deliver decoded values instead of
// raw bytes.
package picload
