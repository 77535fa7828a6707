package parser

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/aluiziolira/book-harvest/models"
)

// Selectors for one catalog listing.
const (
	ProductSelector = "article.product_pod"
	titleSelector   = "h3 a"
	priceSelector   = "p.price_color"
	ratingSelector  = "p.star-rating"
)

// NotRated is used when the rating tag carries no rating code.
const NotRated = "Not rated"

const starGlyph = "⭐"

// ExtractionError reports a required field that is missing from a listing.
type ExtractionError struct {
	Field  string
	Reason string
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extract %s: %s", e.Field, e.Reason)
}

// ExtractRecord reads one listing fragment. The title attribute and the price
// tag must be present; their values are kept even when empty. The title is
// taken verbatim and the price text is trimmed. A missing rating degrades to
// NotRated.
func ExtractRecord(sel *goquery.Selection) (models.Record, error) {
	if sel == nil || sel.Length() == 0 {
		return models.Record{}, &ExtractionError{Field: "fragment", Reason: "no listing element"}
	}

	link := sel.Find(titleSelector).First()
	if link.Length() == 0 {
		return models.Record{}, &ExtractionError{Field: "title", Reason: "no " + titleSelector + " element"}
	}
	title, ok := link.Attr("title")
	if !ok {
		return models.Record{}, &ExtractionError{Field: "title", Reason: "title attribute missing"}
	}

	priceTag := sel.Find(priceSelector).First()
	if priceTag.Length() == 0 {
		return models.Record{}, &ExtractionError{Field: "price", Reason: "no " + priceSelector + " element"}
	}

	ratingClass, _ := sel.Find(ratingSelector).First().Attr("class")

	return models.Record{
		Title:  title,
		Price:  strings.TrimSpace(priceTag.Text()),
		Rating: MapRating(RatingCode(ratingClass)),
	}, nil
}

// ExtractAll extracts every listing in doc in document order. Listings that
// fail extraction are returned as errors alongside the good records.
func ExtractAll(doc *goquery.Document) ([]models.Record, []error) {
	var (
		records []models.Record
		errs    []error
	)
	doc.Find(ProductSelector).Each(func(i int, s *goquery.Selection) {
		record, err := ExtractRecord(s)
		if err != nil {
			errs = append(errs, fmt.Errorf("listing %d: %w", i+1, err))
			return
		}
		records = append(records, record)
	})
	return records, errs
}

// RatingCode returns the second token of a "star-rating Three" class list.
func RatingCode(classAttr string) string {
	tokens := strings.Fields(classAttr)
	if len(tokens) < 2 {
		return NotRated
	}
	return tokens[1]
}

// RatingToStars converts the textual rating to a star count.
func RatingToStars(code string) (int, bool) {
	switch code {
	case "One":
		return 1, true
	case "Two":
		return 2, true
	case "Three":
		return 3, true
	case "Four":
		return 4, true
	case "Five":
		return 5, true
	default:
		return 0, false
	}
}

// MapRating renders a rating code as stars; unknown codes pass through.
func MapRating(code string) string {
	n, ok := RatingToStars(code)
	if !ok {
		return code
	}
	return strings.Repeat(starGlyph, n)
}
