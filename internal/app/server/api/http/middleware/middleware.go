package middleware

import (
	"github.com/danielgtaylor/huma/v2"
)

// Container накапливает цепочку middleware для одного хендлера.
// GetAllAndClear отдает собранную цепочку и обнуляет контейнер, чтобы
// его можно было переиспользовать для следующего хендлера.
type Container struct {
	chain huma.Middlewares
}

func NewContainer() *Container {
	return &Container{}
}

func (c *Container) Add(mw func(huma.Context, func(huma.Context))) {
	c.chain = append(c.chain, mw)
}

func (c *Container) GetAllAndClear() huma.Middlewares {
	chain := c.chain
	c.chain = nil
	return chain
}
