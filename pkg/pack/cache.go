package pack

import "container/list"

// inflateCache is a small LRU of inflated entry payloads keyed by pack
// offset. Delta chains touch the same bases repeatedly; caching them
// keeps chain resolution from re-inflating each level per lookup.
type inflateCache struct {
	maxBytes int
	curBytes int
	order    *list.List // front = most recent; values are *cacheSlot
	slots    map[uint64]*list.Element
}

type cacheSlot struct {
	offset  uint64
	entType EntryType
	data    []byte
}

func newInflateCache(maxBytes int) *inflateCache {
	return &inflateCache{
		maxBytes: maxBytes,
		order:    list.New(),
		slots:    make(map[uint64]*list.Element),
	}
}

func (c *inflateCache) get(offset uint64) (EntryType, []byte, bool) {
	el, ok := c.slots[offset]
	if !ok {
		return 0, nil, false
	}
	c.order.MoveToFront(el)
	slot := el.Value.(*cacheSlot)
	return slot.entType, slot.data, true
}

func (c *inflateCache) put(offset uint64, t EntryType, data []byte) {
	if len(data) > c.maxBytes {
		return
	}
	if el, ok := c.slots[offset]; ok {
		c.order.MoveToFront(el)
		return
	}
	c.curBytes += len(data)
	c.slots[offset] = c.order.PushFront(&cacheSlot{offset: offset, entType: t, data: data})
	for c.curBytes > c.maxBytes {
		back := c.order.Back()
		if back == nil {
			break
		}
		slot := back.Value.(*cacheSlot)
		c.order.Remove(back)
		delete(c.slots, slot.offset)
		c.curBytes -= len(slot.data)
	}
}
