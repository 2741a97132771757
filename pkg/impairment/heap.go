package impairment

import "time"

// entry пакет, ожидающий доставки
type entry struct {
	pkt   Packet
	at    time.Time // Запланированное время доставки
	order uint64    // Порядок при равном времени доставки
	index int       // Для heap interface, -1 когда пакет уже не в очереди

	swapped bool // Уже участвовал в переупорядочивании
}

// before сравнивает ключи доставки (время, порядок)
func (e *entry) before(o *entry) bool {
	if e.at.Equal(o.at) {
		return e.order < o.order
	}
	return e.at.Before(o.at)
}

// deliveryHeap реализует heap.Interface, min-heap по времени доставки
type deliveryHeap []*entry

func (h deliveryHeap) Len() int           { return len(h) }
func (h deliveryHeap) Less(i, j int) bool { return h[i].before(h[j]) }
func (h deliveryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *deliveryHeap) Push(x interface{}) {
	n := len(*h)
	item := x.(*entry)
	item.index = n
	*h = append(*h, item)
}

func (h *deliveryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[0 : n-1]
	return item
}
