package reloadproxy

import "bytes"

var closingBodyTag = []byte("</body>")

// injectionSnippet is the client agent added to every HTML page. It keeps an
// EventSource open on the notification route, reloads the page on a "reload"
// event and reconnects two seconds after any error.
var injectionSnippet = []byte(`
<script>
(function() {
  function connect() {
    var es = new EventSource('/__live_reload_events');
    es.onmessage = function(e) {
      if (e.data === 'reload') {
        console.log('[live-reload] Reloading page...');
        window.location.reload();
      }
    };
    es.onerror = function() {
      es.close();
      setTimeout(connect, 2000);
    };
  }
  connect();
})();
</script>
`)

// Rewrite returns body with the live reload snippet injected immediately
// before the first "</body>", or appended when there is none.
//
// Non-HTML bodies are returned as is. The input slice is never modified, and
// there is no detection of an earlier injection: rewriting a body twice
// yields two snippets.
func Rewrite(body []byte, isHTML bool) []byte {
	if !isHTML {
		return body
	}

	out := make([]byte, 0, len(body)+len(injectionSnippet))
	i := bytes.Index(body, closingBodyTag)
	if i < 0 {
		out = append(out, body...)
		return append(out, injectionSnippet...)
	}
	out = append(out, body[:i]...)
	out = append(out, injectionSnippet...)
	return append(out, body[i:]...)
}
