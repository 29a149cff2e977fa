package scrape

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/rentradar/rentradar/internal/util"
)

// OlxBaseURL is the listing index root for the open source.
const OlxBaseURL = "https://www.olx.pl/nieruchomosci/mieszkania/wynajem/"

// olxStrategies: primary selector, alternates seen on older markups, then a
// page-text regex. Calibrated against the live site; adjust here, not in code.
var olxStrategies = map[string]fieldStrategy{
	FieldTitle: {
		Selectors: []string{
			`[data-cy="ad_title"] h4`,
			`[data-cy="ad_title"]`,
			`h1[data-testid="ad-title"]`,
			`h1`,
		},
	},
	FieldPrice: {
		Selectors: []string{
			`[data-testid="ad-price-container"] h3`,
			`[data-cy="ad-price"]`,
			`h3[data-testid="ad-price"]`,
		},
		TextPattern: regexp.MustCompile(`(\d[\d\s]*(?:[.,]\d{1,2})?)\s*zł`),
	},
	FieldDescription: {
		Selectors: []string{
			`[data-cy="ad_description"] div`,
			`[data-testid="ad_description"]`,
		},
	},
	FieldPublishedAt: {
		Selectors: []string{
			`[data-cy="ad-posted-at"]`,
			`span[data-testid="ad-posted-at"]`,
		},
	},
}

var olxViewStrategies = []viewStrategy{
	{Method: "counter-element", Selector: `[data-testid="page-view-counter"]`},
	{Method: "counter-label", Selector: `[data-cy="ad-view-counter"]`},
	{Method: "text-pattern", Pattern: regexp.MustCompile(`Wyświetleń:\s*(\d[\d\s]*)`)},
}

var olxBreadcrumbSel = `ol[data-testid="breadcrumbs"] li a`

// ExtractOlx parses a rendered OLX detail page into raw fields. Pure over
// the document; missing markup never panics, the field is simply absent
// from the result.
func ExtractOlx(doc *goquery.Document) RawFields {
	rf := NewRawFields()

	for key, strategy := range olxStrategies {
		if val, ok := extractField(doc, strategy); ok {
			rf.Set(key, val)
		}
	}

	// Detail parameters render as a flat tag list ("Umeblowane", "Winda",
	// "Powierzchnia: 48 m²").
	params := extractParameterTable(doc, `ul[data-testid="parameters"] li, div[data-testid="ad-parameters-container"] p`)
	if v, ok := paramLookup(params, "powierzchnia"); ok {
		rf.Set(FieldFootage, v)
	}
	if v, ok := paramLookup(params, "liczba pokoi", "pokoje"); ok {
		rf.Set(FieldRooms, v)
	}
	if v, ok := paramLookup(params, "poziom", "piętro"); ok {
		rf.Set(FieldFloor, v)
	}
	if v, ok := paramLookup(params, "umeblowane"); ok {
		rf.Set(FieldFurnished, v)
	}
	if v, ok := paramLookup(params, "winda"); ok {
		rf.Set(FieldElevator, v)
	}
	if v, ok := paramLookup(params, "zwierzęta"); ok {
		rf.Set(FieldPets, v)
	}
	if v, ok := paramLookup(params, "do negocjacji"); ok {
		rf.Set(FieldNegotiable, v)
	}
	if v, ok := paramLookup(params, "rodzaj zabudowy", "zabudowa"); ok {
		rf.Set(FieldBuildingType, v)
	}
	if v, ok := paramLookup(params, "parking", "miejsce parkingowe"); ok {
		rf.Set(FieldParking, v)
	}
	if v, ok := paramLookup(params, "prywatne", "firmowe", "oferta od"); ok {
		rf.Set(FieldOwnerType, v)
	}

	// Location comes from the breadcrumb trail: ... > Kraków > Krowodrza.
	crumbs := breadcrumbTexts(doc, olxBreadcrumbSel)
	if len(crumbs) >= 1 {
		rf.Set(FieldCity, crumbs[0])
	}
	if len(crumbs) >= 2 {
		rf.Set(FieldDistrict, crumbs[1])
	}

	rf.Images = extractImages(doc, `div[data-cy="adPhotos-swiperSlide"] img, [data-testid="ad-photo"] img`)
	rf.Views, rf.ViewsMethod = extractViews(doc, olxViewStrategies)
	rf.Seller = extractOlxSeller(doc)

	return rf
}

func extractOlxSeller(doc *goquery.Document) SellerInfo {
	var s SellerInfo
	node := doc.Find(`[data-testid="user-profile-user-name"], [data-cy="seller_card"] h4`).First()
	if node.Length() > 0 {
		s.Name = collapseWhitespace(node.Text())
	}
	if href, ok := doc.Find(`[data-testid="user-profile-link"]`).First().Attr("href"); ok {
		s.MemberID = strings.Trim(href, "/")
	}
	s.IsAgency = doc.Find(`[data-testid="seller-type-business"]`).Length() > 0
	return s
}

// IndexPage is the result of scraping one listing index page.
type IndexPage struct {
	URLs    []string
	HasNext bool
}

// ExtractOlxIndex scrapes candidate detail-page URLs from a rendered index
// page, normalising relative links to absolute. Promoted/featured duplicates
// collapse through canonicalisation later; here we only dedupe verbatim.
func ExtractOlxIndex(doc *goquery.Document) IndexPage {
	var page IndexPage
	seen := make(map[string]struct{})

	doc.Find(`div[data-cy="l-card"] a[href], a[data-testid="ad-card-link"]`).Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		abs := util.AbsoluteURL(OlxBaseURL, href)
		if abs == "" || !strings.Contains(abs, "/d/oferta/") {
			return
		}
		if _, dup := seen[abs]; dup {
			return
		}
		seen[abs] = struct{}{}
		page.URLs = append(page.URLs, abs)
	})

	next := doc.Find(`a[data-testid="pagination-forward"], a[data-cy="pagination-forward"]`)
	page.HasNext = next.Length() > 0

	return page
}

func breadcrumbTexts(doc *goquery.Document, selector string) []string {
	var texts []string
	doc.Find(selector).Each(func(_ int, a *goquery.Selection) {
		t := collapseWhitespace(a.Text())
		if t != "" {
			texts = append(texts, t)
		}
	})

	// The trail starts with portal/category crumbs; the last two entries are
	// city and district when both are present.
	if len(texts) > 2 {
		return texts[len(texts)-2:]
	}
	return texts
}

func extractImages(doc *goquery.Document, selector string) []string {
	var urls []string
	seen := make(map[string]struct{})
	doc.Find(selector).Each(func(_ int, img *goquery.Selection) {
		src, ok := img.Attr("src")
		if !ok || src == "" {
			src, _ = img.Attr("data-src")
		}
		if src == "" || strings.HasPrefix(src, "data:") {
			return
		}
		if _, dup := seen[src]; dup {
			return
		}
		seen[src] = struct{}{}
		urls = append(urls, src)
	})
	return urls
}
