package solo

const defaultBackend = BackendAbstract
