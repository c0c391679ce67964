package runkeeper

import (
	"context"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/matematik7/runkeeper-oh/activity"
	"github.com/matematik7/runkeeper-oh/failure"
)

// Items returns every item of the listing that contains the page at path,
// in listing order. Links are followed one direction at a time: previous
// pages are walked backwards from the start page, next pages forwards, so no
// page is fetched twice. The result must have exactly the size announced by
// the start page.
func (c *Client) Items(ctx context.Context, token, path string) ([]activity.Record, error) {
	var start Page
	if err := c.call(ctx, token, path, &start); err != nil {
		return nil, errors.Wrapf(err, "could not get page %s", path)
	}
	pages := 1

	var before [][]activity.Record
	for cursor := start.Previous; cursor != ""; {
		var page Page
		if err := c.call(ctx, token, cursor, &page); err != nil {
			return nil, errors.Wrapf(err, "could not get page %s", cursor)
		}
		before = append(before, page.Items)
		cursor = page.Previous
		pages++
	}

	items := []activity.Record{}
	for i := len(before) - 1; i >= 0; i-- {
		items = append(items, before[i]...)
	}
	items = append(items, start.Items...)

	for cursor := start.Next; cursor != ""; {
		var page Page
		if err := c.call(ctx, token, cursor, &page); err != nil {
			return nil, errors.Wrapf(err, "could not get page %s", cursor)
		}
		items = append(items, page.Items...)
		cursor = page.Next
		pages++
	}

	c.log.WithFields(logrus.Fields{
		"path":  path,
		"pages": pages,
		"items": len(items),
	}).Debug("fetched listing")

	if len(items) != start.Size {
		return nil, &failure.IntegrityError{Path: path, Got: len(items), Want: start.Size}
	}
	return items, nil
}
