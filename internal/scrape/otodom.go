package scrape

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/rentradar/rentradar/internal/util"
)

// OtodomBaseURL is the listing index root for the session-gated source.
const OtodomBaseURL = "https://www.otodom.pl/pl/wyniki/wynajem/mieszkanie/cala-polska"

var otodomStrategies = map[string]fieldStrategy{
	FieldTitle: {
		Selectors: []string{
			`h1[data-cy="adPageAdTitle"]`,
			`h1[data-testid="ad-title"]`,
			`h1`,
		},
	},
	FieldPrice: {
		Selectors: []string{
			`strong[data-cy="adPageHeaderPrice"]`,
			`[aria-label="Cena"]`,
		},
		TextPattern: regexp.MustCompile(`(\d[\d\s]*(?:[.,]\d{1,2})?)\s*zł/mc`),
	},
	FieldStreet: {
		Selectors: []string{
			`a[data-cy="adPageAdMapLink"]`,
			`[aria-label="Adres"]`,
		},
	},
	FieldDescription: {
		Selectors: []string{
			`[data-cy="adPageAdDescription"]`,
			`[data-testid="content-container"]`,
		},
	},
	FieldPublishedAt: {
		Selectors: []string{
			`[data-testid="ad-created-date"]`,
		},
		TextPattern: regexp.MustCompile(`(?i)dodano[:\s]+([^\n]+)`),
	},
}

var otodomViewStrategies = []viewStrategy{
	{Method: "stats-element", Selector: `[data-testid="ad-views-counter"]`},
	{Method: "text-pattern", Pattern: regexp.MustCompile(`(?i)wyświetlenia[:\s]*(\d[\d\s]*)`)},
}

// ExtractOtodom parses a rendered Otodom detail page into raw fields.
// Contact details and some parameters only render with an authenticated
// session; without one those fields are absent, not wrong.
func ExtractOtodom(doc *goquery.Document) RawFields {
	rf := NewRawFields()

	for key, strategy := range otodomStrategies {
		if val, ok := extractField(doc, strategy); ok {
			rf.Set(key, val)
		}
	}

	params := extractParameterTable(doc, `div[data-testid="table-value-item"], div[data-cy="ad.top-information.table"] > div`)
	if v, ok := paramLookup(params, "powierzchnia"); ok {
		rf.Set(FieldFootage, v)
	}
	if v, ok := paramLookup(params, "liczba pokoi"); ok {
		rf.Set(FieldRooms, v)
	}
	if v, ok := paramLookup(params, "piętro"); ok {
		rf.Set(FieldFloor, v)
	}
	if v, ok := paramLookup(params, "winda"); ok {
		rf.Set(FieldElevator, v)
	}
	if v, ok := paramLookup(params, "rodzaj zabudowy"); ok {
		rf.Set(FieldBuildingType, v)
	}
	if v, ok := paramLookup(params, "miejsce parkingowe", "parking"); ok {
		rf.Set(FieldParking, v)
	}
	if v, ok := paramLookup(params, "czynsz"); ok {
		// Additional monthly charges published next to the base price.
		rf.Set(FieldRentExtra, v)
	}

	// Equipment list carries furnishing and pets as presence flags.
	equipment := strings.ToLower(collapseWhitespace(doc.Find(`[data-testid="ad.additional-information.table"]`).Text()))
	if strings.Contains(equipment, "meble") {
		rf.Set(FieldFurnished, "tak")
	}

	// Location breadcrumb: Otodom renders "Kraków, Krowodrza, ul. Długa".
	if loc, ok := extractField(doc, fieldStrategy{
		Selectors: []string{`a[data-cy="adPageAdMapLink"]`, `[data-testid="map-link-container"]`},
	}); ok {
		parts := strings.Split(loc, ",")
		if len(parts) >= 1 {
			rf.Set(FieldCity, collapseWhitespace(parts[0]))
		}
		if len(parts) >= 2 {
			rf.Set(FieldDistrict, collapseWhitespace(parts[1]))
		}
		if len(parts) >= 3 {
			rf.Set(FieldStreet, collapseWhitespace(strings.Join(parts[2:], ",")))
		}
	}

	// Advertiser type: agencies carry a visible badge.
	if doc.Find(`[data-testid="agency-name"]`).Length() > 0 {
		rf.Set(FieldOwnerType, "biuro nieruchomości")
	} else if doc.Find(`[data-testid="private-owner-badge"]`).Length() > 0 {
		rf.Set(FieldOwnerType, "prywatny")
	}

	rf.Images = extractImages(doc, `picture[data-cy="galleryMainPhoto"] img, [data-testid="image-gallery"] img`)
	rf.Views, rf.ViewsMethod = extractViews(doc, otodomViewStrategies)
	rf.Seller = extractOtodomSeller(doc)

	return rf
}

func extractOtodomSeller(doc *goquery.Document) SellerInfo {
	var s SellerInfo
	if node := doc.Find(`[data-testid="agency-name"]`).First(); node.Length() > 0 {
		s.Name = collapseWhitespace(node.Text())
		s.IsAgency = true
		return s
	}
	if node := doc.Find(`[data-cy="adPageContactSeller"] strong`).First(); node.Length() > 0 {
		s.Name = collapseWhitespace(node.Text())
	}
	return s
}

// ExtractOtodomIndex scrapes detail-page URLs from a rendered search result
// page along with the has-next-page flag.
func ExtractOtodomIndex(doc *goquery.Document) IndexPage {
	var page IndexPage
	seen := make(map[string]struct{})

	doc.Find(`article[data-cy="listing-item"] a[data-cy="listing-item-link"], a[data-cy="listing-item-link"]`).Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		abs := util.AbsoluteURL(OtodomBaseURL, href)
		if abs == "" || !strings.Contains(abs, "/oferta/") {
			return
		}
		if _, dup := seen[abs]; dup {
			return
		}
		seen[abs] = struct{}{}
		page.URLs = append(page.URLs, abs)
	})

	next := doc.Find(`[data-cy="pagination.next-page"], li[aria-label="Go to next Page"]`)
	page.HasNext = next.Length() > 0 && next.First().AttrOr("disabled", "") == ""

	return page
}
