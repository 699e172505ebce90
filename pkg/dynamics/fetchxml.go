package dynamics

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"

	"github.com/beevik/etree"
)

// DefaultFetchXMLPageSize is the page size used when none is given
const DefaultFetchXMLPageSize = 5000

// fetchXMLQuery is a FetchXML template plus its paging state
type fetchXMLQuery struct {
	doc  *etree.Document
	root *etree.Element
	page int
}

func newFetchXMLQuery(fetchXML string, pageSize int) (*fetchXMLQuery, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromString(fetchXML); err != nil {
		return nil, fmt.Errorf("invalid fetchxml: %w", err)
	}
	root := doc.Root()
	if root == nil {
		return nil, errors.New("invalid fetchxml: no root element")
	}
	if root.Tag != "fetch" {
		return nil, fmt.Errorf("invalid fetchxml: root element is <%s>, expected <fetch>", root.Tag)
	}

	q := &fetchXMLQuery{doc: doc, root: root, page: 1}
	root.CreateAttr("page", strconv.Itoa(q.page))
	root.CreateAttr("count", strconv.Itoa(pageSize))
	return q, nil
}

// nextPage moves to the following page, carrying the server's paging cookie
func (q *fetchXMLQuery) nextPage(pagingCookie string) {
	q.page++
	q.root.CreateAttr("paging-cookie", pagingCookie)
	q.root.CreateAttr("page", strconv.Itoa(q.page))
}

func (q *fetchXMLQuery) String() (string, error) {
	return q.doc.WriteToString()
}

// decodePagingCookie extracts the paging cookie from the
// fetchxmlpagingcookie annotation, e.g.
//
//	<cookie pagenumber="2" pagingcookie="%253ccookie%2520page..." istracking="False" />
//
// The server URL-encodes the cookie twice, so it is decoded twice.
func decodePagingCookie(annotation string) (string, error) {
	if annotation == "" {
		return "", errors.New("response has more records but no paging cookie")
	}

	doc := etree.NewDocument()
	if err := doc.ReadFromString(annotation); err != nil {
		return "", fmt.Errorf("invalid paging cookie annotation: %w", err)
	}
	root := doc.Root()
	if root == nil {
		return "", errors.New("invalid paging cookie annotation: no root element")
	}
	attr := root.SelectAttr("pagingcookie")
	if attr == nil {
		return "", errors.New("paging cookie annotation has no pagingcookie attribute")
	}

	once, err := url.QueryUnescape(attr.Value)
	if err != nil {
		return "", fmt.Errorf("invalid paging cookie encoding: %w", err)
	}
	twice, err := url.QueryUnescape(once)
	if err != nil {
		return "", fmt.Errorf("invalid paging cookie encoding: %w", err)
	}
	return twice, nil
}
