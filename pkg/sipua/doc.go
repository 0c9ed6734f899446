// Package sipua реализует движок telephony.Engine поверх sipgo.
//
// Движок держит один SIP стек (UA, сервер, клиент и кэши диалогов),
// таблицу вызовов фиксированного размера и конференц-мост. Каждый вызов
// получает RTP сессию (PCMU, telephone-event) на отдельном UDP порту,
// которая подключается к мосту как порт. Слот 0 моста занят локальным
// аудио трактом.
//
// Жизненный цикл:
//
//	e := sipua.New(sipua.WithLogger(log), sipua.WithMetrics(reg))
//	_ = e.Create()
//	_ = e.Init(cfg, logCfg)
//	tp, _ := e.CreateTransport(ctx, telephony.TransportTypeUDP, tcfg)
//	_ = e.Start(ctx)
//	defer e.Destroy(ctx)
//
// Обработчики из EngineConfig.Callbacks вызываются из горутин sipgo и
// фоновых горутин движка без удержания внутренних блокировок, поэтому
// из них можно вызывать любые методы движка.
package sipua
