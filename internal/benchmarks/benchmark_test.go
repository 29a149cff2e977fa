package benchmarks

import (
	"fmt"
	"testing"

	"github.com/rentradar/rentradar/internal/cache"
	"github.com/rentradar/rentradar/internal/db"
	"github.com/rentradar/rentradar/internal/match"
	"github.com/rentradar/rentradar/internal/offer"
	"github.com/rentradar/rentradar/internal/util"
)

// Benchmark cache operations - hot path for geocode lookups
func BenchmarkCacheSet(b *testing.B) {
	c := cache.NewInMemoryCache()
	key := "wrocław|ul. długa 5"
	value := "51.11,17.03"

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		c.Set(key, value)
	}
}

func BenchmarkCacheGet(b *testing.B) {
	c := cache.NewInMemoryCache()
	key := "wrocław|ul. długa 5"
	c.Set(key, "51.11,17.03")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		c.Get(key)
	}
}

func BenchmarkCacheConcurrentAccess(b *testing.B) {
	c := cache.NewInMemoryCache()

	for i := 0; i < 100; i++ {
		c.Set(fmt.Sprintf("key-%d", i), i)
	}

	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			key := fmt.Sprintf("key-%d", i%100)
			if i%2 == 0 {
				c.Get(key)
			} else {
				c.Set(key, i)
			}
			i++
		}
	})
}

// Benchmark URL canonicalisation - hot path for sweep deduplication
func BenchmarkCanonicalURL(b *testing.B) {
	url := "https://www.olx.pl/d/oferta/mieszkanie-2-pokoje-CID3-IDabc123.html?reason=extended_region#top"

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = util.CanonicalURL(url)
	}
}

func BenchmarkAbsoluteURL(b *testing.B) {
	base := "https://www.olx.pl/nieruchomosci/mieszkania/wynajem/wroclaw/"
	href := "/d/oferta/mieszkanie-2-pokoje-CID3-IDabc123.html"

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		util.AbsoluteURL(base, href)
	}
}

// Benchmark Polish text normalisation - runs on every extracted field
func BenchmarkParseDecimal(b *testing.B) {
	text := "2 400,50 zł"

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		offer.ParseDecimal(text)
	}
}

func BenchmarkParseRooms(b *testing.B) {
	text := "3 pokoje"

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		offer.ParseRooms(text)
	}
}

// Benchmark alert matching - runs for every stored offer against every
// active alert
func BenchmarkCheckMatch(b *testing.B) {
	price := 2400.0
	footage := 48.5
	rooms := 2
	district := "Stare Miasto"

	o := &offer.Offer{
		Source:   offer.SourceOlx,
		Title:    "Mieszkanie 2 pokoje Stare Miasto",
		Price:    price,
		City:     "Wrocław",
		District: district,
		Footage:  &footage,
		Rooms:    &rooms,
	}

	minPrice := 1500.0
	maxPrice := 3000.0
	minFootage := 35.0
	a := &db.Alert{
		City:       "Wrocław",
		Districts:  []string{"Stare Miasto", "Śródmieście"},
		MinPrice:   &minPrice,
		MaxPrice:   &maxPrice,
		MinFootage: &minFootage,
		Keywords:   []string{"pokoje"},
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		match.CheckMatch(a, o)
	}
}
