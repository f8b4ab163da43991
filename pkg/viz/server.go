package viz

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/rs/zerolog/log"
)

type ImageContainer struct {
	name string
	data []byte
}

func (i *ImageContainer) Name() string { return i.name }
func (i *ImageContainer) Data() []byte { return i.data }

type Producer interface {
	Name() string
	GetImage() *ImageContainer
	AddPlotOption(opt PlotOptions)
}

// Server renders registered producers on demand and serves them, plus a JSON status document.
// Images of a bucket are only rendered while someone has viewed it in the last second.
type Server struct {
	images          map[string]map[string]*ImageContainer
	mu              sync.RWMutex
	port            int
	srv             *http.Server
	producerBuckets map[string]map[string]Producer
	updateInterval  time.Duration
	enabled         bool
	lastViewed      map[string]time.Time
	status          func() interface{}
}

func NewServer(port int, updateInterval time.Duration) *Server {
	if updateInterval <= 0 {
		updateInterval = time.Second
	}
	s := &Server{
		images:          make(map[string]map[string]*ImageContainer),
		producerBuckets: make(map[string]map[string]Producer),
		port:            port,
		lastViewed:      make(map[string]time.Time),
		updateInterval:  updateInterval,
		enabled:         true,
	}
	s.srv = &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: s.Handler()}
	return s
}

func (s *Server) Enable(enable bool) {
	s.mu.Lock()
	s.enabled = enable
	s.mu.Unlock()
}

func (s *Server) SetUpdateInterval(interval time.Duration) {
	s.mu.Lock()
	s.updateInterval = interval
	s.mu.Unlock()
}

// SetStatusFunc installs the source of the /status document. fn must return something encoding/json can encode.
func (s *Server) SetStatusFunc(fn func() interface{}) {
	s.mu.Lock()
	s.status = fn
	s.mu.Unlock()
}

func (s *Server) Register(key string, p Producer) {
	s.mu.Lock()
	bucket, ok := s.producerBuckets[key]
	if !ok {
		bucket = make(map[string]Producer)
		s.producerBuckets[key] = bucket
	}
	bucket[p.Name()] = p
	s.mu.Unlock()
}

func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// Run serves until ctx is done or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	go s.refreshLoop(ctx)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("error shutting down viz server")
		}
	}()

	log.Info().Int("port", s.port).Msg("viz server starting")

	err := s.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) refreshLoop(ctx context.Context) {
	for {
		s.mu.RLock()
		interval := s.updateInterval
		s.mu.RUnlock()

		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}

		s.mu.RLock()
		enabled := s.enabled
		var viewed []string
		for name := range s.producerBuckets {
			if time.Since(s.lastViewed[name]) < time.Second {
				viewed = append(viewed, name)
			}
		}
		s.mu.RUnlock()

		if !enabled {
			continue
		}
		for _, name := range viewed {
			s.refreshBucket(name)
		}
	}
}

// refreshBucket renders every producer of the bucket concurrently and stores the results.
func (s *Server) refreshBucket(bucket string) {
	s.mu.RLock()
	producers := make([]Producer, 0, len(s.producerBuckets[bucket]))
	for _, p := range s.producerBuckets[bucket] {
		producers = append(producers, p)
	}
	s.mu.RUnlock()

	var wg sync.WaitGroup
	for _, producer := range producers {
		wg.Add(1)
		go func(p Producer) {
			defer wg.Done()

			img := p.GetImage()
			if img == nil {
				return
			}

			s.mu.Lock()
			mb, ok := s.images[bucket]
			if !ok {
				mb = make(map[string]*ImageContainer)
				s.images[bucket] = mb
			}
			mb[img.name] = img
			s.mu.Unlock()
		}(producer)
	}
	wg.Wait()
}

func (s *Server) markViewed(bucket string) {
	s.mu.Lock()
	s.lastViewed[bucket] = time.Now()
	s.mu.Unlock()
}

func (s *Server) Handler() http.Handler {
	handler := httprouter.New()

	handler.GET("/", func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		s.mu.RLock()
		keys := make([]string, 0, len(s.producerBuckets))
		for name := range s.producerBuckets {
			keys = append(keys, name)
		}
		s.mu.RUnlock()

		if len(keys) == 0 {
			http.Redirect(w, r, "/status", http.StatusFound)
			return
		}
		sort.Strings(keys)
		http.Redirect(w, r, "/view/"+url.PathEscape(keys[0]), http.StatusFound)
	})

	handler.GET("/status", func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		s.mu.RLock()
		fn := s.status
		s.mu.RUnlock()

		var doc interface{} = struct{}{}
		if fn != nil {
			doc = fn()
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(doc); err != nil {
			log.Warn().Err(err).Msg("error encoding status")
		}
	})

	handler.GET("/view/:bucket", func(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
		bucket := params.ByName("bucket")

		s.mu.RLock()
		itemsForBucket, ok := s.producerBuckets[bucket]
		bucketKeys := make([]string, 0, len(s.producerBuckets))
		for key := range s.producerBuckets {
			bucketKeys = append(bucketKeys, key)
		}
		itemKeys := make([]string, 0, len(itemsForBucket))
		for key := range itemsForBucket {
			itemKeys = append(itemKeys, key)
		}
		interval := s.updateInterval
		s.mu.RUnlock()

		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		s.markViewed(bucket)

		sort.Strings(bucketKeys)
		sort.Strings(itemKeys)

		w.Header().Add("Content-Type", "text/html")
		fmt.Fprint(w, `<html><head><title>spiacq</title></head>`)
		fmt.Fprintf(w, `
		<script type="text/javascript">
			var toggleRefresh = true;
			function toggleOn() {
				toggleRefresh = !toggleRefresh;
			}

			function changeBucket() {
				var val = document.getElementById('bucketSelector').value;
				window.location.href = '/view/' + val;
			}
			window.onload = function() {
				for (var i = 0; i < %d; i++) {
					var img = document.getElementById('graph-' + i);
					setInterval(function(image) {
						if (toggleRefresh) {
							image.src = image.src.split("?")[0] + "?" + new Date().getTime();
						}
					}, %d, img);
				}
			}
		</script>`, len(itemKeys), interval.Milliseconds())
		fmt.Fprint(w, `<body style='background-color: black'>`)

		fmt.Fprint(w, `<select id="bucketSelector" onchange="changeBucket()">`)
		for _, name := range bucketKeys {
			selected := ""
			if name == bucket {
				selected = " selected"
			}
			fmt.Fprintf(w, `<option value="%s"%s>%s</option>`, html.EscapeString(name), selected, html.EscapeString(name))
		}
		fmt.Fprint(w, `</select>`)
		fmt.Fprint(w, `<button onclick="toggleOn()">Refresh?</button>`)

		fmt.Fprint(w, `<div style="display: flex; flex-direction: row; flex-wrap: wrap">`)
		for idx, key := range itemKeys {
			fmt.Fprintf(w, `<div><img id="graph-%d" src="/img/%s/%s?%d" /></div>`,
				idx, url.PathEscape(bucket), url.PathEscape(key), time.Now().UnixMicro())
		}
		fmt.Fprint(w, `</div></body></html>`)
	})

	handler.GET("/img/:bucket/:img", func(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
		bucketName := params.ByName("bucket")
		s.markViewed(bucketName)

		s.mu.RLock()
		img, ok := s.images[bucketName][params.ByName("img")]
		s.mu.RUnlock()

		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}

		w.Header().Add("Content-Type", "image/png")
		w.Write(img.data)
	})

	return handler
}
